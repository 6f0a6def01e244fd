package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/metrics"
)

// Level is the severity of a user-facing notification
type Level string

// Notification levels
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Message is a user-facing notification
type Message struct {
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers user-facing notifications
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// ErrorHandler receives failures that are never returned to a caller
type ErrorHandler interface {
	HandleError(err error, contextTag string)
}

// Success sends a success notification
func Success(ctx context.Context, n Notifier, title, body string) error {
	return send(ctx, n, LevelSuccess, title, body)
}

// Warning sends a warning notification
func Warning(ctx context.Context, n Notifier, title, body string) error {
	return send(ctx, n, LevelWarning, title, body)
}

// Error sends an error notification
func Error(ctx context.Context, n Notifier, title, body string) error {
	return send(ctx, n, LevelError, title, body)
}

func send(ctx context.Context, n Notifier, level Level, title, body string) error {
	if n == nil {
		return nil
	}
	return n.Notify(ctx, Message{Level: level, Title: title, Body: body, Timestamp: time.Now().UTC()})
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier backed by logger
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs msg at a level matching its severity
func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("level", string(msg.Level)),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
	}
	switch msg.Level {
	case LevelError:
		n.logger.Error("Notification", fields...)
	case LevelWarning:
		n.logger.Warn("Notification", fields...)
	default:
		n.logger.Info("Notification", fields...)
	}
	return nil
}

// MultiNotifier fans a notification out to several notifiers
type MultiNotifier []Notifier

// Notify delivers to every notifier and joins their errors
func (m MultiNotifier) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultErrorHandler logs handled errors, counts them and tells users about them
type DefaultErrorHandler struct {
	logger   *zap.Logger
	metrics  *metrics.Collector
	notifier Notifier
}

// NewErrorHandler creates an ErrorHandler. metrics and notifier may be nil.
func NewErrorHandler(logger *zap.Logger, m *metrics.Collector, notifier Notifier) *DefaultErrorHandler {
	return &DefaultErrorHandler{logger: logger, metrics: m, notifier: notifier}
}

// HandleError records err under contextTag
func (h *DefaultErrorHandler) HandleError(err error, contextTag string) {
	if err == nil {
		return
	}

	h.logger.Error("Handled error",
		zap.String("context", contextTag),
		zap.Error(err),
	)
	h.metrics.RecordHandledError(contextTag)

	if h.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if nerr := Error(ctx, h.notifier, "Operation failed", fmt.Sprintf("%s: %v", contextTag, err)); nerr != nil {
		h.logger.Warn("Failed to deliver error notification", zap.Error(nerr))
	}
}
