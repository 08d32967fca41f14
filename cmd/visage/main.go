package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/davmello/visage/internal/artifact"
	"github.com/davmello/visage/internal/billing"
	"github.com/davmello/visage/internal/config"
	"github.com/davmello/visage/internal/convo"
	"github.com/davmello/visage/internal/httpapi"
	"github.com/davmello/visage/internal/media"
	"github.com/davmello/visage/internal/observability"
	"github.com/davmello/visage/internal/orch"
	"github.com/davmello/visage/internal/recording"
	"github.com/davmello/visage/internal/session"
	"github.com/davmello/visage/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	stages := observability.NewStageWindow(256)

	ctx := context.Background()
	transcripts, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer transcripts.Close()

	artifacts, err := artifact.NewFSStorage(cfg.ArtifactDir)
	if err != nil {
		log.Fatalf("artifact storage init failed: %v", err)
	}

	var muxer media.Muxer
	switch strings.ToLower(strings.TrimSpace(cfg.MuxerMode)) {
	case "", "ffmpeg":
		muxer = media.NewFFmpegMuxer(cfg.FFmpegPath, cfg.FFprobePath)
		log.Printf("muxer: ffmpeg (%s)", cfg.FFmpegPath)
	case "stub":
		muxer = &media.StubMuxer{FragmentDuration: time.Second}
		log.Printf("muxer: stub (dev mode, output is not a real container)")
	default:
		log.Fatalf("invalid RECORDING_MUXER_MODE: %q (expected ffmpeg|stub)", cfg.MuxerMode)
	}

	recordings, err := recording.NewService(cfg.ScratchDir, muxer, artifacts, recording.Options{
		PollInterval: cfg.FinalizePollInterval,
		StablePolls:  cfg.FinalizeStablePolls,
		Timeout:      cfg.FinalizeTimeout,
	})
	if err != nil {
		log.Fatalf("recording service init failed: %v", err)
	}

	mock := convo.NewMockProvider(16000)
	var responder convo.Responder = mock
	switch strings.ToLower(strings.TrimSpace(cfg.ResponderMode)) {
	case "", "mock":
		log.Printf("responder: mock")
	case "http":
		if strings.TrimSpace(cfg.ResponderURL) == "" {
			log.Fatalf("RESPONDER_MODE=http but RESPONDER_HTTP_URL is not set")
		}
		responder = convo.NewHTTPResponder(cfg.ResponderURL)
		log.Printf("responder: http (%s)", cfg.ResponderURL)
	default:
		log.Fatalf("invalid RESPONDER_MODE: %q (expected mock|http)", cfg.ResponderMode)
	}

	ledger := billing.NewMemoryLedger(cfg.BillingStartCredits)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	orchestrator := orch.New(
		cfg,
		sessions,
		recordings,
		transcripts,
		ledger,
		metrics,
		stages,
		mock,
		responder,
		mock,
	)

	api := httpapi.New(cfg, sessions, orchestrator, artifacts, metrics, stages)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
