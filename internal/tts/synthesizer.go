package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tomesphere/voice-core/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

// Synthesizer owns the process-wide engine handle. It is created once, initialized
// at startup, shared by every request and cleaned up once at shutdown.
type Synthesizer struct {
	open      Opener
	accessKey string
	timeout   time.Duration
	weight    int64
	sem       *semaphore.Weighted
	logger    *slog.Logger

	mu     sync.RWMutex
	engine Engine

	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewSynthesizer(cfg config.TTSConfig, open Opener, logger *slog.Logger) *Synthesizer {
	weight := int64(cfg.MaxConcurrent)
	if weight <= 0 {
		weight = 1
	}
	s := &Synthesizer{
		open:      open,
		accessKey: cfg.AccessKey,
		timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
		weight:    weight,
		sem:       semaphore.NewWeighted(weight),
		logger:    logger.With(slog.String("component", "tts-synthesizer")),
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Synthesizer) initMetrics() error {
	meter := otel.Meter("github.com/tomesphere/voice-core/tts")
	failures, err := meter.Int64Counter("tts.synthesis.failures", metric.WithDescription("Sentence units the engine failed to synthesize"))
	if err != nil {
		return err
	}
	latency, err := meter.Float64Histogram("tts.synthesis.duration", metric.WithUnit("ms"), metric.WithDescription("Engine synthesis latency"))
	if err != nil {
		return err
	}
	s.failures = failures
	s.latency = latency
	return nil
}

// Init constructs the engine. Calling Init on an initialized synthesizer is a no-op.
func (s *Synthesizer) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return nil
	}
	engine, err := s.open(ctx, s.accessKey)
	if err != nil {
		return fmt.Errorf("init tts engine: %w", err)
	}
	s.engine = engine
	s.logger.Info("tts engine initialized", slog.Int("sample_rate", engine.SampleRate()), slog.Int64("max_concurrent", s.weight))
	return nil
}

// Ready reports whether Init has succeeded and Cleanup has not run since.
func (s *Synthesizer) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine != nil
}

// SampleRate returns the native rate of the engine, or 0 when not initialized.
func (s *Synthesizer) SampleRate() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.engine == nil {
		return 0
	}
	return s.engine.SampleRate()
}

// Cleanup releases the engine after in-flight calls finish. It is safe to call
// on an uninitialized synthesizer and more than once.
func (s *Synthesizer) Cleanup() error {
	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()
	if engine == nil {
		return nil
	}

	if err := s.sem.Acquire(context.Background(), s.weight); err != nil {
		return err
	}
	defer s.sem.Release(s.weight)

	s.logger.Info("releasing tts engine")
	return engine.Close()
}

// Synthesize converts text to PCM. Engine failures are logged and yield an
// empty buffer with a nil error so one bad sentence does not end a stream.
// The only errors returned are ErrEngineNotReady and cancellation of ctx.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (PCM, error) {
	if !s.Ready() {
		return nil, ErrEngineNotReady
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	s.mu.RLock()
	engine := s.engine
	s.mu.RUnlock()
	if engine == nil {
		return nil, ErrEngineNotReady
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	pcm, err := engine.Synthesize(callCtx, trimmed)
	if s.latency != nil {
		s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.failures != nil {
			s.failures.Add(ctx, 1)
		}
		s.logger.Warn("synthesis failed", slogError(err), slog.Int("text_length", len(trimmed)))
		return nil, nil
	}
	return pcm, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
