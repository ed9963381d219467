package command

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/eventstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type job struct {
	id     string
	action Action
	target string
}

// Dispatcher delivers actions to a Notifier off the caller's path. Delivery is
// at most once and best effort: a full queue, a closed dispatcher or a
// notifier error drops the action after logging it. Nothing is retried.
type Dispatcher struct {
	notifier Notifier
	recorder eventstore.Recorder
	timeout  time.Duration
	queue    chan job
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	outcomes metric.Int64Counter
}

func NewDispatcher(cfg config.BroadcastConfig, notifier Notifier, recorder eventstore.Recorder, logger *slog.Logger) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	d := &Dispatcher{
		notifier: notifier,
		recorder: recorder,
		timeout:  time.Duration(cfg.TimeoutMS) * time.Millisecond,
		queue:    make(chan job, size),
		logger:   logger.With(slog.String("component", "command-dispatcher"), slog.String("mode", cfg.Mode)),
	}
	meter := otel.Meter("github.com/tomesphere/voice-core/command")
	if counter, err := meter.Int64Counter("command.dispatch.outcomes", metric.WithDescription("Broadcast actions by outcome")); err == nil {
		d.outcomes = counter
	} else {
		d.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Dispatch queues an action and returns immediately. It reports whether the
// action was accepted for delivery.
func (d *Dispatcher) Dispatch(action Action, target string) bool {
	j := job{id: uuid.NewString(), action: action, target: target}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(j, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- j:
		return true
	default:
		d.drop(j, "queue full")
		return false
	}
}

// Close stops accepting actions and waits for queued ones to be attempted.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	if err := d.notifier.Notify(ctx, j.action, j.target); err != nil {
		d.drop(j, err.Error())
		return
	}
	d.count("delivered")
	d.logger.Debug("action broadcast", slog.String("action", j.action.String()), slog.String("target", j.target), slog.Duration("latency", time.Since(start)))
	if d.recorder != nil {
		d.recorder.Record(context.Background(), j.id, "dispatcher", eventstore.TypeCommandDispatched, map[string]string{
			"action": j.action.String(),
			"target": j.target,
		})
	}
}

func (d *Dispatcher) drop(j job, reason string) {
	d.count("dropped")
	d.logger.Warn("failed to broadcast action", slog.String("action", j.action.String()), slog.String("target", j.target), slog.String("error", reason))
	if d.recorder != nil {
		d.recorder.Record(context.Background(), j.id, "dispatcher", eventstore.TypeCommandDropped, map[string]string{
			"action": j.action.String(),
			"target": j.target,
			"reason": reason,
		})
	}
}

func (d *Dispatcher) count(outcome string) {
	if d.outcomes != nil {
		d.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
