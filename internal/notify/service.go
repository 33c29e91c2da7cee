package notify

import (
	"cmp"
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "tajpoint/pkg/logx"
)

// ThrottledError is a transient failure that names how long to wait
// before the next attempt.
type ThrottledError struct {
	Err  error
	Wait time.Duration
}

func (e *ThrottledError) Error() string { return e.Err.Error() }
func (e *ThrottledError) Unwrap() error { return e.Err }

func Throttled(err error, wait time.Duration) error {
	return &ThrottledError{Err: err, Wait: wait}
}

// ServiceConfig controls the send pipeline around one sink.
type ServiceConfig struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

// Service wraps a Sink with a token-bucket limiter and capped, jittered
// retry. Permission errors are never retried.
//
// It is safe for concurrent use and is itself a Sink.
type Service struct {
	mu      sync.Mutex
	cfg     ServiceConfig
	limiter *rate.Limiter

	sink Sink
	log  logx.Logger
}

func NewService(cfg ServiceConfig, sink Sink, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sink: sink, log: log}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg ServiceConfig) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg ServiceConfig) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Name() string {
	if s.sink == nil {
		return "none"
	}
	return s.sink.Name()
}

// Show sends p, retrying transient failures until RetryMax is spent or ctx
// ends.
func (s *Service) Show(ctx context.Context, p Payload) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if s.sink == nil {
		return ErrUnavailable
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.sink.Show(callCtx, p)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnavailable) {
			return err
		}
		lastErr = err
		s.log.Debug("notification send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts {
			break
		}
		delay := retryDelay(cfg, attempt)
		var th *ThrottledError
		if errors.As(err, &th) && th.Wait > 0 {
			delay = th.Wait
		}
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastErr
		}
	}
	return lastErr
}

// retryDelay is the pause after the given (1-based) failed attempt:
// RetryBase doubled per attempt, jittered by ±30%, capped at RetryMaxDelay.
func retryDelay(cfg ServiceConfig, attempt int) time.Duration {
	base := cmp.Or(cfg.RetryBase, 500*time.Millisecond)
	ceiling := cmp.Or(cfg.RetryMaxDelay, 10*time.Second)
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, ceiling)) * (0.7 + rand.Float64()*0.6))
	return max(0, min(d, ceiling))
}
