package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tomesphere/voice-core/internal/config"
)

// RESTNotifier inserts actions into a PostgREST table.
type RESTNotifier struct {
	url    string
	key    string
	client *http.Client
}

type restRow struct {
	Action string `json:"action"`
	Target string `json:"target"`
}

func NewRESTNotifier(cfg config.BroadcastConfig) *RESTNotifier {
	table := cfg.Table
	if table == "" {
		table = "gaka_events"
	}
	return &RESTNotifier{
		url:    strings.TrimRight(cfg.Endpoint, "/") + "/rest/v1/" + table,
		key:    cfg.Key,
		client: &http.Client{},
	}
}

func (n *RESTNotifier) Notify(ctx context.Context, action Action, target string) error {
	body, err := json.Marshal(restRow{Action: action.String(), Target: target})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", n.key)
	req.Header.Set("Authorization", "Bearer "+n.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=minimal")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broadcast returned status %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
