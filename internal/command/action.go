package command

import (
	"errors"
	"fmt"
	"strings"
)

// Action is a UI action the assistant can ask clients to perform.
type Action string

const (
	Navigate Action = "NAVIGATE"
	Search   Action = "SEARCH"
	Read     Action = "READ"
)

var ErrUnknownAction = errors.New("unknown action")

// ParseAction accepts an action name in any case.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case Navigate, Search, Read:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
}

// Reply is the sentence spoken back to the user once the action is chosen.
func (a Action) Reply(target string) string {
	switch a {
	case Navigate:
		return "Navigating to " + target
	case Search:
		return "Searching for " + target
	case Read:
		return "Opening " + target + " for reading"
	default:
		return ""
	}
}

func (a Action) String() string { return string(a) }
