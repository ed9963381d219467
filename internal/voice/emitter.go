package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrTokenSource wraps a failure reported by the upstream token stream.
	ErrTokenSource = errors.New("token source failed")
	// ErrTransport wraps a failure writing a chunk to the output sink.
	ErrTransport = errors.New("audio transport failed")
)

type State int32

const (
	AwaitingTokens State = iota
	Emitting
	Flushing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingTokens:
		return "awaiting_tokens"
	case Emitting:
		return "emitting"
	case Flushing:
		return "flushing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Synthesizer is the part of tts.Synthesizer the emitter depends on.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (tts.PCM, error)
}

// Sink receives encoded audio chunks in order. WriteChunk is never called with
// an empty chunk and never after Run returns.
type Sink interface {
	WriteChunk(ctx context.Context, chunk []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, chunk []byte) error

func (f SinkFunc) WriteChunk(ctx context.Context, chunk []byte) error { return f(ctx, chunk) }

// TokenSource subscribes to a token stream. The subscription ends when ctx is
// cancelled.
type TokenSource func(ctx context.Context) <-chan llm.TokenEvent

// GeneratorSource subscribes to gen for req.
func GeneratorSource(gen llm.Generator, req llm.Request) TokenSource {
	return func(ctx context.Context) <-chan llm.TokenEvent {
		return llm.Stream(ctx, gen, req)
	}
}

// Result summarizes a finished stream.
type Result struct {
	ID     string
	State  State
	Units  int
	Chunks int
	Bytes  int64
	Err    error
}

// Emitter drives the chat-to-speech pipeline for individual requests. One
// Emitter is shared by all requests; each Run owns its own segmenter.
type Emitter struct {
	synth       Synthesizer
	pending     int
	chunkBuffer int
	timeout     time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer

	unitCounter  metric.Int64Counter
	chunkCounter metric.Int64Counter
	outcomes     metric.Int64Counter
}

func NewEmitter(cfg config.StreamConfig, synth Synthesizer, logger *slog.Logger) *Emitter {
	e := &Emitter{
		synth:       synth,
		pending:     max(cfg.PendingUnits, 1),
		chunkBuffer: max(cfg.ChunkBuffer, 0),
		timeout:     time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:      logger.With(slog.String("component", "voice-emitter")),
		tracer:      otel.Tracer("github.com/tomesphere/voice-core/voice"),
	}
	if err := e.initMetrics(); err != nil {
		e.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return e
}

func (e *Emitter) initMetrics() error {
	meter := otel.Meter("github.com/tomesphere/voice-core/voice")
	units, err := meter.Int64Counter("voice.stream.units", metric.WithDescription("Sentence units produced by the segmenter"))
	if err != nil {
		return err
	}
	chunks, err := meter.Int64Counter("voice.stream.chunks", metric.WithDescription("Audio chunks written to callers"))
	if err != nil {
		return err
	}
	outcomes, err := meter.Int64Counter("voice.stream.outcomes", metric.WithDescription("Finished streams by terminal state"))
	if err != nil {
		return err
	}
	e.unitCounter = units
	e.chunkCounter = chunks
	e.outcomes = outcomes
	return nil
}

// Run consumes src until completion, failure or cancellation of ctx, writing
// one chunk per non-empty synthesized unit to sink. It blocks until every
// goroutine it started has exited.
func (e *Emitter) Run(ctx context.Context, src TokenSource, sink Sink) Result {
	return e.run(ctx, uuid.NewString(), src, sink, nil)
}

func (e *Emitter) run(ctx context.Context, id string, src TokenSource, sink Sink, state *atomic.Int32) Result {
	if state == nil {
		state = new(atomic.Int32)
	}
	setState := func(s State) { state.Store(int32(s)) }
	setState(AwaitingTokens)

	parent := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "voice.stream", trace.WithAttributes(attribute.String("stream.id", id)))
	defer span.End()
	logger := e.logger.With(slog.String("stream_id", id))

	var units, chunks atomic.Int64
	var written atomic.Int64
	// A source error ends stage 1 without cancelling gctx: units queued
	// before it are still synthesized. Written by stage 1, read after Wait.
	var srcErr error
	queue := make(chan string, e.pending)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		var seg Segmenter
		events := src(gctx)
		enqueue := func(unit string) error {
			units.Add(1)
			select {
			case queue <- unit:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		for {
			var ev llm.TokenEvent
			select {
			case <-gctx.Done():
				return gctx.Err()
			case next, ok := <-events:
				if !ok {
					next = llm.TokenEvent{Done: true}
				}
				ev = next
			}
			if ev.Err != nil {
				srcErr = fmt.Errorf("%w: %w", ErrTokenSource, ev.Err)
				return nil
			}
			if ev.Done {
				setState(Flushing)
				if unit, ok := seg.Flush(); ok {
					return enqueue(unit)
				}
				return nil
			}
			if unit, ok := seg.Accept(ev.Token); ok {
				if err := enqueue(unit); err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for unit := range queue {
			if err := gctx.Err(); err != nil {
				return err
			}
			state.CompareAndSwap(int32(AwaitingTokens), int32(Emitting))
			pcm, err := e.synth.Synthesize(gctx, unit)
			if err != nil {
				return err
			}
			if len(pcm) == 0 {
				logger.Debug("unit produced no audio", slog.Int("text_length", len(unit)))
				continue
			}
			chunk := tts.EncodePCM(pcm)
			if err := sink.WriteChunk(gctx, chunk); err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
			chunks.Add(1)
			written.Add(int64(len(chunk)))
			state.CompareAndSwap(int32(Emitting), int32(AwaitingTokens))
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = srcErr
	}
	if err != nil && errors.Is(err, context.Canceled) {
		if cause := context.Cause(parent); cause != nil {
			err = cause
		}
	}

	res := Result{
		ID:     id,
		State:  Completed,
		Units:  int(units.Load()),
		Chunks: int(chunks.Load()),
		Bytes:  written.Load(),
		Err:    err,
	}
	if err != nil {
		res.State = Failed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	setState(res.State)
	span.SetAttributes(
		attribute.Int("stream.units", res.Units),
		attribute.Int("stream.chunks", res.Chunks),
		attribute.String("stream.state", res.State.String()),
	)

	// Record against the parent so cancelled streams are still counted.
	if e.unitCounter != nil {
		e.unitCounter.Add(parent, int64(res.Units))
		e.chunkCounter.Add(parent, int64(res.Chunks))
		e.outcomes.Add(parent, 1, metric.WithAttributes(attribute.String("state", res.State.String())))
	}
	if err != nil {
		logger.Warn("stream failed", slogError(err), slog.Int("units", res.Units), slog.Int("chunks", res.Chunks))
	} else {
		logger.Debug("stream completed", slog.Int("units", res.Units), slog.Int("chunks", res.Chunks))
	}
	return res
}

// Stream is a pipeline running on its own goroutine. Chunks is closed exactly
// once when the pipeline ends; Wait then reports how it ended.
type Stream struct {
	ID     string
	chunks chan []byte
	done   chan struct{}
	state  atomic.Int32
	result Result
	cancel context.CancelCauseFunc
}

// Start launches the pipeline and returns immediately. The caller must drain
// Chunks or Cancel the stream.
func (e *Emitter) Start(ctx context.Context, src TokenSource) *Stream {
	ctx, cancel := context.WithCancelCause(ctx)
	s := &Stream{
		ID:     uuid.NewString(),
		chunks: make(chan []byte, e.chunkBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	sink := SinkFunc(func(ctx context.Context, chunk []byte) error {
		select {
		case s.chunks <- chunk:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	go func() {
		defer close(s.done)
		defer close(s.chunks)
		s.result = e.run(ctx, s.ID, src, sink, &s.state)
		cancel(nil)
	}()
	return s
}

func (s *Stream) Chunks() <-chan []byte { return s.chunks }

// State reports the current pipeline state.
func (s *Stream) State() State { return State(s.state.Load()) }

// Cancel stops the pipeline; cause becomes the result error. A nil cause
// reports context.Canceled.
func (s *Stream) Cancel(cause error) { s.cancel(cause) }

// Done is closed after Chunks is closed and the result is available.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Wait() Result {
	<-s.done
	return s.result
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
