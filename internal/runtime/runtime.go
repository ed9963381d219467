package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomesphere/voice-core/internal/api"
	"github.com/tomesphere/voice-core/internal/bus"
	"github.com/tomesphere/voice-core/internal/command"
	"github.com/tomesphere/voice-core/internal/config"
	"github.com/tomesphere/voice-core/internal/eventstore"
	"github.com/tomesphere/voice-core/internal/intent"
	"github.com/tomesphere/voice-core/internal/llm"
	"github.com/tomesphere/voice-core/internal/natsserver"
	"github.com/tomesphere/voice-core/internal/router"
	"github.com/tomesphere/voice-core/internal/tts"
	"github.com/tomesphere/voice-core/internal/voice"
)

const prunerInterval = time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	api           *api.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	natsServer    *natsserver.EmbeddedServer
	bus           *bus.Client
	store         *eventstore.Store
	synth         *tts.Synthesizer
	notifierClose func()
	dispatcher    *command.Dispatcher
	voice         *voice.Service
	router        *router.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is cancelled and then
// tears everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		r.shutdown()
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	if metricsHandler != nil {
		r.startMetricsServer(metricsHandler)
	}

	if err := r.startBus(ctx); err != nil {
		return err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunPruner(ctx, prunerInterval)
	}()

	synth := tts.NewSynthesizer(r.cfg.TTS, newOpener(r.cfg.TTS), r.logger)
	if err := synth.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize tts engine: %w", err)
	}
	r.synth = synth

	generator, err := llm.New(ctx, r.cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create llm generator: %w", err)
	}

	notifier, closeNotifier, err := command.NewNotifier(ctx, r.cfg.Broadcast, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create command notifier: %w", err)
	}
	r.notifierClose = closeNotifier
	r.dispatcher = command.NewDispatcher(r.cfg.Broadcast, notifier, store, r.logger)

	resolver := intent.NewResolver(r.cfg.Intent, r.cfg.LLM, generator, r.dispatcher, store, r.logger)
	emitter := voice.NewEmitter(r.cfg.Stream, synth, r.logger)

	if r.bus != nil {
		r.voice = voice.NewService(ctx, r.cfg, r.bus, synth, emitter, generator, store, r.logger)
		if err := r.voice.Start(); err != nil {
			return fmt.Errorf("failed to start voice service: %w", err)
		}
		if r.cfg.Router.Enabled {
			r.router = router.NewService(ctx, r.cfg.Router, r.bus, resolver, r.logger)
			if err := r.router.Start(); err != nil {
				return fmt.Errorf("failed to start router: %w", err)
			}
		}
	}

	r.api = api.New(r.cfg, api.Deps{
		Synthesizer: synth,
		Emitter:     emitter,
		Generator:   generator,
		Resolver:    resolver,
		Recorder:    store,
		Ready:       r.healthy,
	}, r.logger)

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		serveErr <- r.api.ListenAndServe()
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", r.api.Addr()),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.String("broadcast_mode", r.cfg.Broadcast.Mode),
	)

	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping")
		return nil
	case err := <-serveErr:
		return err
	}
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	r.natsServer = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) startMetricsServer(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Info("serving metrics", slog.String("addr", r.metricsServer.Addr))
		if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.voice != nil && !r.voice.Healthy() {
		return false
	}
	return r.router == nil || r.router.Healthy()
}

func (r *Runtime) shutdown() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if r.api != nil {
		if err := r.api.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.voice != nil {
		r.voice.Close()
	}
	if r.dispatcher != nil {
		r.dispatcher.Close()
	}
	if r.notifierClose != nil {
		r.notifierClose()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	r.wg.Wait()

	if r.synth != nil {
		if err := r.synth.Cleanup(); err != nil {
			r.logger.Error("tts cleanup error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func newOpener(cfg config.TTSConfig) tts.Opener {
	if cfg.Mode == "exec" {
		return tts.NewExecOpener(cfg)
	}
	return tts.NewMockOpener(cfg.SampleRate)
}
