package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tutor/internal/audio"
	"github.com/loqalabs/loqa-tutor/internal/bus"
	"github.com/loqalabs/loqa-tutor/internal/capture"
	"github.com/loqalabs/loqa-tutor/internal/config"
	"github.com/loqalabs/loqa-tutor/internal/natsserver"
	"github.com/loqalabs/loqa-tutor/internal/practice"
	"github.com/loqalabs/loqa-tutor/internal/progress"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *progress.SQLiteStore
	practice *practice.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the tutor up and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.closeTelemetry(context.Background())
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopServices()
	r.closeTelemetry(shutdownCtx)
	return nil
}

// startServices wires bus, progress store and practice service in
// dependency order. Partially started services are released by stopServices.
func (r *Runtime) startServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = client

	store, err := progress.Open(ctx, r.cfg.ProgressStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open progress store: %w", err)
	}
	r.store = store

	var saver progress.Saver = store
	if r.cfg.ProgressStore.PublishEvents {
		saver = progress.Multi{store, progress.NewPublisher(client.Conn())}
	}

	components, err := r.components(saver)
	if err != nil {
		return err
	}
	lessons, err := newLessonProvider(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build lesson provider: %w", err)
	}

	var reader progress.Reader
	if !store.Ephemeral() {
		reader = store
	}
	svc := practice.NewService(ctx, r.cfg.Practice, client.Conn(), lessons, reader, components, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start practice service: %w", err)
	}
	r.practice = svc
	return nil
}

func (r *Runtime) components(saver progress.Saver) (practice.Components, error) {
	synth, err := newSynthesizer(r.cfg)
	if err != nil {
		return practice.Components{}, fmt.Errorf("failed to build synthesizer: %w", err)
	}
	verifier, err := newVerifier(r.cfg, r.logger)
	if err != nil {
		return practice.Components{}, fmt.Errorf("failed to build verifier: %w", err)
	}
	device, err := newCaptureDevice(r.cfg.Capture)
	if err != nil {
		return practice.Components{}, fmt.Errorf("failed to build capture device: %w", err)
	}
	player, err := newPlayer(r.cfg)
	if err != nil {
		return practice.Components{}, fmt.Errorf("failed to build audio player: %w", err)
	}
	return practice.Components{
		Synth:    synth,
		Player:   player,
		Device:   device,
		Verifier: verifier,
		Progress: saver,
		Capture: capture.Config{
			Format:            audio.Format{SampleRate: r.cfg.Capture.SampleRate, Channels: r.cfg.Capture.Channels},
			PermissionTimeout: millis(r.cfg.Capture.PermissionTimeoutMS),
		},
		NarratorLanguage:    r.cfg.Narration.InterfaceLanguage,
		Voice:               strings.TrimSpace(r.cfg.TTS.Voice),
		PrefetchConcurrency: r.cfg.Practice.PrefetchConcurrency,
		Logger:              r.logger,
	}, nil
}

// stopServices closes sessions before the store so pending progress writes
// land, then drops the bus.
func (r *Runtime) stopServices() {
	if r.practice != nil {
		r.practice.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("progress store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry(ctx context.Context) {
	if r.tracerClose == nil {
		return
	}
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && (r.practice == nil || r.practice.Healthy())
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
