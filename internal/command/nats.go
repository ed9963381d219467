package command

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tomesphere/voice-core/internal/bus"
	"github.com/tomesphere/voice-core/internal/protocol"
)

// NATSNotifier publishes actions on ui.command.<action>.
type NATSNotifier struct {
	bus *bus.Client
}

func NewNATSNotifier(busClient *bus.Client) *NATSNotifier {
	return &NATSNotifier{bus: busClient}
}

// Subject returns the subject an action is published on.
func Subject(action Action) string {
	return protocol.SubjectUICommandPrefix + "." + strings.ToLower(action.String())
}

func (n *NATSNotifier) Notify(ctx context.Context, action Action, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.bus.PublishJSON(Subject(action), protocol.Command{
		ID:        uuid.NewString(),
		Action:    action.String(),
		Target:    target,
		Timestamp: time.Now().UTC(),
	})
}
