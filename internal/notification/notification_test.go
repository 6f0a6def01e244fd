package notification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/medlims/compliance-engine/internal/metrics"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (r *recordingNotifier) Notify(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return r.err
}

func TestHelpers(t *testing.T) {
	rec := &recordingNotifier{}
	ctx := context.Background()

	require.NoError(t, Success(ctx, rec, "Report ready", "CLIA"))
	require.NoError(t, Warning(ctx, rec, "Invalid period", "end before start"))
	require.NoError(t, Error(ctx, rec, "Failed", "boom"))

	require.Len(t, rec.messages, 3)
	assert.Equal(t, LevelSuccess, rec.messages[0].Level)
	assert.Equal(t, LevelWarning, rec.messages[1].Level)
	assert.Equal(t, LevelError, rec.messages[2].Level)
	assert.False(t, rec.messages[0].Timestamp.IsZero())

	assert.NoError(t, Success(ctx, nil, "x", "y"))
}

func TestMultiNotifierJoinsErrors(t *testing.T) {
	ok := &recordingNotifier{}
	bad := &recordingNotifier{err: errors.New("socket closed")}

	err := MultiNotifier{ok, nil, bad}.Notify(context.Background(), Message{Title: "t"})

	assert.ErrorContains(t, err, "socket closed")
	assert.Len(t, ok.messages, 1)
	assert.Len(t, bad.messages, 1)
}

func TestDefaultErrorHandler(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	rec := &recordingNotifier{}
	handler := NewErrorHandler(zap.New(core), metrics.NewCollector(prometheus.NewRegistry()), rec)

	handler.HandleError(errors.New("builder exploded"), "compliance-report-generation")
	handler.HandleError(nil, "ignored")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "compliance-report-generation", entry.ContextMap()["context"])

	require.Len(t, rec.messages, 1)
	assert.Equal(t, LevelError, rec.messages[0].Level)
	assert.Contains(t, rec.messages[0].Body, "builder exploded")
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.Notify(context.Background(), Message{Level: LevelWarning, Title: "w"}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zap.WarnLevel, logs.All()[0].Level)
}
