package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tomesphere/voice-core/internal/bus"
	"github.com/tomesphere/voice-core/internal/config"
)

// Notifier announces an action to a realtime backend. Implementations make a
// single attempt; the dispatcher owns delivery policy.
type Notifier interface {
	Notify(ctx context.Context, action Action, target string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, action Action, target string) error

func (f NotifierFunc) Notify(ctx context.Context, action Action, target string) error {
	return f(ctx, action, target)
}

type logNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier only logs actions.
func NewLogNotifier(logger *slog.Logger) Notifier {
	return &logNotifier{logger: logger.With(slog.String("component", "command-log"))}
}

func (n *logNotifier) Notify(_ context.Context, action Action, target string) error {
	n.logger.Info("broadcasting action", slog.String("action", action.String()), slog.String("target", target))
	return nil
}

// NewNotifier builds the notifier selected by cfg.Mode. busClient is only
// required for mode=nats. The returned close func releases backend resources.
func NewNotifier(ctx context.Context, cfg config.BroadcastConfig, busClient *bus.Client, logger *slog.Logger) (Notifier, func(), error) {
	switch cfg.Mode {
	case "rest":
		return NewRESTNotifier(cfg), func() {}, nil
	case "nats":
		if busClient == nil {
			return nil, nil, fmt.Errorf("broadcast mode nats requires a bus connection")
		}
		return NewNATSNotifier(busClient), func() {}, nil
	case "postgres":
		n, err := OpenPostgresNotifier(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return n, n.Close, nil
	default:
		return NewLogNotifier(logger), func() {}, nil
	}
}
