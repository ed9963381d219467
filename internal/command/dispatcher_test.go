package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/eventstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordedEvent struct {
	eventType string
	payload   map[string]string
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (m *memoryRecorder) Record(_ context.Context, _, _, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, _ := payload.(map[string]string)
	m.events = append(m.events, recordedEvent{eventType: eventType, payload: p})
}

func (m *memoryRecorder) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.eventType
	}
	return out
}

type call struct {
	action Action
	target string
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []call
	n := NotifierFunc(func(_ context.Context, a Action, target string) error {
		mu.Lock()
		calls = append(calls, call{a, target})
		mu.Unlock()
		return nil
	})
	rec := &memoryRecorder{}
	d := NewDispatcher(config.BroadcastConfig{QueueSize: 8}, n, rec, newLogger())

	if !d.Dispatch(Navigate, "home") || !d.Dispatch(Search, "dune") {
		t.Fatal("expected actions accepted")
	}
	d.Close()

	if len(calls) != 2 || calls[0] != (call{Navigate, "home"}) || calls[1] != (call{Search, "dune"}) {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if types := rec.types(); len(types) != 2 || types[0] != eventstore.TypeCommandDispatched {
		t.Fatalf("unexpected audit events %v", types)
	}
}

func TestDispatcherDropsFailuresWithoutRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	n := NotifierFunc(func(context.Context, Action, string) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("backend unavailable")
	})
	rec := &memoryRecorder{}
	d := NewDispatcher(config.BroadcastConfig{}, n, rec, newLogger())
	d.Dispatch(Read, "Dune")
	d.Close()

	if attempts != 1 {
		t.Fatalf("expected exactly one attempt, got %d", attempts)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.events) != 1 || rec.events[0].eventType != eventstore.TypeCommandDropped {
		t.Fatalf("expected a dropped event, got %+v", rec.events)
	}
	if rec.events[0].payload["reason"] != "backend unavailable" {
		t.Fatalf("unexpected reason %q", rec.events[0].payload["reason"])
	}
}

func TestDispatchDoesNotBlockWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	n := NotifierFunc(func(context.Context, Action, string) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	d := NewDispatcher(config.BroadcastConfig{QueueSize: 1}, n, nil, newLogger())

	d.Dispatch(Search, "first")
	<-started
	if !d.Dispatch(Search, "queued") {
		t.Fatal("second action should fit the queue")
	}

	done := make(chan bool)
	go func() { done <- d.Dispatch(Search, "overflow") }()
	select {
	case accepted := <-done:
		if accepted {
			t.Fatal("overflow action should be dropped")
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a full queue")
	}
	close(release)
	d.Close()
}

func TestDispatchAfterClose(t *testing.T) {
	d := NewDispatcher(config.BroadcastConfig{}, NewLogNotifier(newLogger()), nil, newLogger())
	d.Close()
	d.Close()
	if d.Dispatch(Navigate, "late") {
		t.Fatal("closed dispatcher must not accept actions")
	}
}

func TestDispatcherAppliesTimeout(t *testing.T) {
	errCh := make(chan error, 1)
	n := NotifierFunc(func(ctx context.Context, _ Action, _ string) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	})
	d := NewDispatcher(config.BroadcastConfig{TimeoutMS: 20}, n, nil, newLogger())
	d.Dispatch(Navigate, "slow")
	d.Close()
	if err := <-errCh; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
