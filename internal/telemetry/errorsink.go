package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrorSink is the rate-limited error sink of §4.2: each error_key has a
// token bucket holding up to N tokens and refilled at N per minute, so a
// burst of N passes at once and up to about 2N can reach the log within
// one 60-second window; the rest are counted and summarized periodically
// as "<error_key>: +K suppressed". Grounded on
// teacher's core/webserver/server.go, which already depends on
// golang.org/x/time/rate for an HTTP rate limiter -- here repurposed
// per-key instead of per-route.
type ErrorSink struct {
	logger    *Logger
	perMinute int

	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	suppressed map[string]int
}

// NewErrorSink builds an ErrorSink whose per-error_key bucket holds
// perMinute tokens and refills at perMinute tokens per minute.
func NewErrorSink(logger *Logger, perMinute int) *ErrorSink {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &ErrorSink{
		logger:     logger,
		perMinute:  perMinute,
		limiters:   make(map[string]*rate.Limiter),
		suppressed: make(map[string]int),
	}
}

func (s *ErrorSink) limiterFor(key string) *rate.Limiter {
	l, ok := s.limiters[key]
	if !ok {
		// perMinute tokens per 60s, burst = perMinute so short spikes pass.
		l = rate.NewLimiter(rate.Limit(float64(s.perMinute)/60.0), s.perMinute)
		s.limiters[key] = l
	}
	return l
}

// Report attempts to deliver an error for errorKey; if the key's budget is
// exhausted, the report is counted as suppressed instead of logged and
// false is returned. Callers that also emit a wire-visible event for the
// same error (e.g. messaging.Router's ERROR events) must gate that emit on
// this return value too, so the rate limit governs both the log line and
// the event (spec §4.2/§7). Never returns an error and never panics --
// observability failures are swallowed per §4.2.
func (s *ErrorSink) Report(errorKey string, fields map[string]any) (allowed bool) {
	if s == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			Fallback("error sink panic recovered", nil)
			allowed = false
		}
	}()

	s.mu.Lock()
	l := s.limiterFor(errorKey)
	allowed = l.Allow()
	if !allowed {
		s.suppressed[errorKey]++
	}
	s.mu.Unlock()

	if !allowed {
		return false
	}

	f := map[string]any{"error_key": errorKey}
	for k, v := range fields {
		f[k] = v
	}
	if s.logger != nil {
		s.logger.Error("rate-limited error", f)
	}
	return true
}

// StartRollup launches a goroutine that flushes suppressed counts as
// periodic rollup log lines until ctx is cancelled.
func (s *ErrorSink) StartRollup(ctx context.Context, interval time.Duration) {
	if s == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.flushRollup()
			}
		}
	}()
}

func (s *ErrorSink) flushRollup() {
	s.mu.Lock()
	snapshot := make(map[string]int, len(s.suppressed))
	for k, v := range s.suppressed {
		if v > 0 {
			snapshot[k] = v
			s.suppressed[k] = 0
		}
	}
	s.mu.Unlock()

	if s.logger == nil {
		return
	}
	for key, count := range snapshot {
		s.logger.Warn("suppressed errors", map[string]any{
			"error_key":  key,
			"suppressed": count,
			"rollup":     key + ": +" + strconv.Itoa(count) + " suppressed",
		})
	}
}
