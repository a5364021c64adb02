package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaanilabs/vaani-engine/internal/attachment"
	"github.com/vaanilabs/vaani-engine/internal/bus"
	"github.com/vaanilabs/vaani-engine/internal/capability"
	"github.com/vaanilabs/vaani-engine/internal/capture"
	"github.com/vaanilabs/vaani-engine/internal/config"
	"github.com/vaanilabs/vaani-engine/internal/journal"
	"github.com/vaanilabs/vaani-engine/internal/natsserver"
	"github.com/vaanilabs/vaani-engine/internal/session"
	"github.com/vaanilabs/vaani-engine/internal/speech"
	"github.com/vaanilabs/vaani-engine/internal/store"
	"github.com/vaanilabs/vaani-engine/internal/transport"
)

// Runtime assembles the engine: telemetry, bus, journal, capture, speech,
// conversation store, chat transport and the session surface. Start blocks
// until the context is cancelled, then tears the stack down in reverse.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	promServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	busClient *bus.Client
	service   *session.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

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
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient
	defer busClient.Close()

	jrnl, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer jrnl.Close()

	avail := capability.Probe(r.cfg.Capture, r.cfg.Speech)
	if !avail.Recognition {
		r.logger.Warn("speech recognition unavailable", slog.String("reason", avail.Reason))
	}

	resource, err := capture.NewResource(r.cfg.Capture, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to init capture: %w", err)
	}

	recognizer, err := buildRecognizer(r.cfg.Speech, avail)
	if err != nil {
		return fmt.Errorf("failed to init recognizer: %w", err)
	}

	speechSession := speech.NewSession(r.cfg.Speech, resource, recognizer, busClient, r.logger)
	convStore := store.New(r.cfg.Store.TitleMaxRunes)
	chat := transport.NewClient(r.cfg.Chat, r.logger)
	validator := attachment.NewValidator(r.cfg.Attachment.MaxBytes)

	ctrl := session.NewController(ctx, r.cfg, busClient, convStore, chat, speechSession, validator, jrnl, avail, r.logger)
	defer ctrl.Close()

	if r.cfg.Chat.UserID != "" {
		preloadCtx, cancelPreload := context.WithTimeout(ctx, 10*time.Second)
		if err := ctrl.LoadHistory(preloadCtx); err != nil {
			r.logger.Warn("history preload failed", slog.String("error", err.Error()))
		}
		cancelPreload()
	}

	r.service = session.NewService(busClient, ctrl, r.logger)
	if err := r.service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session service: %w", err)
	}
	defer r.service.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", metricHandler)
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
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", metricHandler)
		r.promServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           promMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("engine started",
		slog.String("addr", addr),
		slog.String("capture_mode", r.cfg.Capture.Mode),
		slog.String("speech_mode", r.cfg.Speech.Mode),
		slog.Bool("recognition", avail.Recognition))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("engine stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.promServer != nil {
		if err := r.promServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// Healthy reports liveness of the engine's external attachments.
func (r *Runtime) Healthy() bool {
	return r.busClient.Healthy()
}

func buildRecognizer(cfg config.SpeechConfig, avail capability.Availability) (speech.Recognizer, error) {
	if !avail.Recognition {
		// nil recognizer; listening attempts report unsupported
		return nil, nil
	}
	switch cfg.Mode {
	case "mock":
		return speech.NewMockRecognizer(), nil
	case "exec":
		return speech.NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported speech mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
