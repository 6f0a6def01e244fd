package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/medlims/compliance-engine/internal/compliance"
	"github.com/medlims/compliance-engine/internal/config"
	"github.com/medlims/compliance-engine/internal/metrics"
)

const actorKey = "actor"

// anonymous is the actor of requests when authentication is disabled
var anonymous = compliance.Actor{ID: "anonymous", Name: "Anonymous"}

// Claims are the bearer token claims the service reads
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Auth validates HS256 bearer tokens and stores the caller as the request actor.
// With no secret configured every request passes as anonymous.
func Auth(cfg config.SecurityConfig, logger *zap.Logger) gin.HandlerFunc {
	if cfg.JWTSecret == "" {
		return func(c *gin.Context) {
			c.Set(actorKey, anonymous)
			c.Next()
		}
	}

	secret := []byte(cfg.JWTSecret)
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		raw, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims := &Claims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}); err != nil {
			logger.Debug("Rejected bearer token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		if claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token has no subject"})
			return
		}

		c.Set(actorKey, compliance.Actor{ID: claims.Subject, Name: claims.Name})
		c.Next()
	}
}

// bearerToken reads the Authorization header, or the access_token query parameter
// used by WebSocket clients.
func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("access_token"); token != "" {
			return token, nil
		}
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

func actorFrom(c *gin.Context) compliance.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(compliance.Actor); ok {
			return actor
		}
	}
	return anonymous
}

// RequestLogger logs each request and records its latency
func RequestLogger(logger *zap.Logger, m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)
		m.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(status), duration)

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
