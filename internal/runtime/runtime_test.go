package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tomesphere/voice-core/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRuntimeServesUntilCancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Port = -1
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("runtime never became ready (last error %v)", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Post(base+"/api/voice/synthesize", "text/plain", strings.NewReader("Ready."))
	if err != nil {
		cancel()
		t.Fatalf("synthesize: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		cancel()
		t.Fatalf("expected audio, got %d with %d bytes", resp.StatusCode, len(body))
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if rt.healthy() {
		t.Fatal("runtime should report unhealthy after shutdown")
	}
}
