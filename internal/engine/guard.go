package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/kalambet/reelsense/internal/metrics"
)

// GuardConfig bounds calls to one provider.
type GuardConfig struct {
	// Name labels metrics and logs, e.g. "openai-embed".
	Name string
	// Timeout caps each call. For streams it is an idle timeout, reset on
	// every received delta.
	Timeout time.Duration
	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
	// FailureThreshold consecutive failures open the breaker for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

type guard struct {
	name    string
	timeout time.Duration
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[any]
}

func newGuard(cfg GuardConfig) *guard {
	cfg = cfg.withDefaults()
	g := &guard{name: cfg.Name, timeout: cfg.Timeout}
	if cfg.RequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(0)
	threshold := cfg.FailureThreshold
	g.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A caller walking away is not a provider fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit breaker state change", "provider", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
	return g
}

func (g *guard) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: waiting for rate limiter: %w", g.name, err)
	}
	return nil
}

// do runs fn under the limiter, the breaker and a per-call deadline.
func (g *guard) do(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := g.cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		v, err := fn(callCtx)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s %s after %s", ErrTimeout, g.name, op, g.timeout)
		}
		return v, err
	})
	metrics.RecordProviderCall(g.name, op, time.Since(start), err)
	return res, err
}

// GuardedEmbedder wraps an Embedder with a timeout, a rate limiter and a
// circuit breaker.
type GuardedEmbedder struct {
	inner Embedder
	g     *guard
}

var _ Embedder = (*GuardedEmbedder)(nil)

func NewGuardedEmbedder(inner Embedder, cfg GuardConfig) *GuardedEmbedder {
	return &GuardedEmbedder{inner: inner, g: newGuard(cfg)}
}

func (e *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	res, err := e.g.do(ctx, "embed", func(ctx context.Context) (any, error) {
		return e.inner.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return res.([]float32), nil
}

func (e *GuardedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	res, err := e.g.do(ctx, "embed_many", func(ctx context.Context) (any, error) {
		return e.inner.EmbedMany(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	return res.([][]float32), nil
}

// GuardedGenerator wraps a Generator like GuardedEmbedder.
type GuardedGenerator struct {
	inner Generator
	g     *guard
}

var _ Generator = (*GuardedGenerator)(nil)

func NewGuardedGenerator(inner Generator, cfg GuardConfig) *GuardedGenerator {
	return &GuardedGenerator{inner: inner, g: newGuard(cfg)}
}

func (gg *GuardedGenerator) Complete(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	res, err := gg.g.do(ctx, "complete", func(ctx context.Context) (any, error) {
		return gg.inner.Complete(ctx, messages, opts)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Stream opens the upstream stream through the breaker. Only opening counts
// toward the breaker; mid-stream failures surface from Recv.
func (gg *GuardedGenerator) Stream(ctx context.Context, messages []Message, opts GenerateOptions) (Stream, error) {
	g := gg.g
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	fired := &atomic.Bool{}
	timer := time.AfterFunc(g.timeout, func() {
		fired.Store(true)
		cancel()
	})

	start := time.Now()
	res, err := g.cb.Execute(func() (any, error) {
		s, err := gg.inner.Stream(streamCtx, messages, opts)
		if err != nil {
			if ctx.Err() == nil && fired.Load() {
				return nil, fmt.Errorf("%w: %s stream after %s", ErrTimeout, g.name, g.timeout)
			}
			return nil, err
		}
		return s, nil
	})
	metrics.RecordProviderCall(g.name, "stream", time.Since(start), err)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	return &guardedStream{
		inner:   res.(Stream),
		parent:  ctx,
		timer:   timer,
		fired:   fired,
		cancel:  cancel,
		timeout: g.timeout,
		name:    g.name,
	}, nil
}

type guardedStream struct {
	inner   Stream
	parent  context.Context
	timer   *time.Timer
	fired   *atomic.Bool
	cancel  context.CancelFunc
	timeout time.Duration
	name    string
}

func (s *guardedStream) Recv() (string, error) {
	d, err := s.inner.Recv()
	switch {
	case err == nil:
		s.timer.Reset(s.timeout)
		return d, nil
	case err == io.EOF:
		return "", io.EOF
	case s.parent.Err() == nil && s.fired.Load():
		return "", fmt.Errorf("%w: %s stream idle for %s", ErrTimeout, s.name, s.timeout)
	default:
		return "", err
	}
}

func (s *guardedStream) Close() error {
	s.timer.Stop()
	err := s.inner.Close()
	s.cancel()
	return err
}
