// Package ratelimit is a fixed-window admission limiter keyed by client
// address.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/abduss/oakregistry/internal/apperror"
	"github.com/abduss/oakregistry/internal/config"
	"github.com/abduss/oakregistry/internal/httpx"
	"github.com/abduss/oakregistry/internal/logger"
	"github.com/abduss/oakregistry/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key in fixed windows. The zero value is not
// usable; call New.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	size    time.Duration
	max     int
	nowFunc func() time.Time
}

// New returns a Limiter admitting cfg.MaxRequests per cfg.Window.
func New(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		windows: map[string]*window{},
		size:    cfg.Window,
		max:     cfg.MaxRequests,
		nowFunc: time.Now,
	}
}

// Allow records one request for key. When the quota is spent it reports
// false and how long until the window resets.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.size {
		l.windows[key] = &window{start: now, count: 1}
		return true, 0
	}
	if w.count >= l.max {
		return false, w.start.Add(l.size).Sub(now)
	}
	w.count++
	return true, 0
}

// Sweep drops expired windows and returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.nowFunc()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.size {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired windows once per window length until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.size)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				zap.L().Debug("rate limiter swept expired windows", zap.Int("removed", n))
			}
		}
	}
}

type rateLimitedResponse struct {
	Error             apperror.Kind `json:"error"`
	Message           string        `json:"message"`
	RetryAfterSeconds int           `json:"retry_after_seconds"`
}

// Middleware rejects over-quota clients with 429 before any handler runs.
// It is installed once on the engine so every endpoint shares the counter.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retry := l.Allow(c.ClientIP())
		if ok {
			c.Next()
			return
		}

		seconds := int(math.Ceil(retry.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		metrics.ObserveRateLimited()
		logger.FromContext(c).Info("request rate limited", zap.String("client_ip", c.ClientIP()))

		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(httpx.Status(apperror.KindRateLimited), rateLimitedResponse{
			Error:             apperror.KindRateLimited,
			Message:           "too many requests, please try again later",
			RetryAfterSeconds: seconds,
		})
	}
}
