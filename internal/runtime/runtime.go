// Package runtime assembles the daemon: telemetry, bus, persistence, the
// transcription and completion backends, and the capture orchestrator,
// plus the HTTP control surface.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurcast/murmur-core/internal/bus"
	"github.com/murmurcast/murmur-core/internal/capture"
	"github.com/murmurcast/murmur-core/internal/completion"
	"github.com/murmurcast/murmur-core/internal/config"
	"github.com/murmurcast/murmur-core/internal/convstore"
	"github.com/murmurcast/murmur-core/internal/natsserver"
	"github.com/murmurcast/murmur-core/internal/stt"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *convstore.Store
	saver    *convstore.Saver
	orch     *capture.Orchestrator
	bridge   *capture.Service

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings services up in dependency order, serves until ctx is
// cancelled, then shuts down in reverse.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	store, err := convstore.Open(ctx, r.cfg.Conversations, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	r.store = store
	r.saver = convstore.NewSaver(store,
		time.Duration(r.cfg.Conversations.DebounceMS)*time.Millisecond, r.logger)

	transcriber, err := stt.NewTranscriber(r.cfg.STT, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build stt backend: %w", err)
	}
	streamer, err := completion.NewStreamer(r.cfg.Completion, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build completion backend: %w", err)
	}

	metrics, err := capture.NewMetrics()
	if err != nil {
		r.logger.Warn("capture metrics disabled", slog.String("error", err.Error()))
	}

	r.orch = capture.NewOrchestrator(r.cfg.Capture, r.cfg.Vad,
		r.cfg.Completion.HistoryCharBudget, capture.Deps{
			Native:      capture.NewBusNative(busClient),
			Transcriber: transcriber,
			Streamer:    streamer,
			Saver:       r.saver,
			Metrics:     metrics,
			Logger:      r.logger,
		})

	r.bridge = capture.NewService(r.orch, busClient, r.logger)
	if err := r.bridge.Start(); err != nil {
		return fmt.Errorf("failed to start capture bridge: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil {
		mux.Handle("/metrics", metricHandler)
	}
	r.registerControlRoutes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.orch.StopCapture(shutdownCtx); err != nil {
		r.logger.Warn("capture stop on shutdown failed", slog.String("error", err.Error()))
	}
	r.bridge.Close()
	r.saver.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("conversation store close failed", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.bridge.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
