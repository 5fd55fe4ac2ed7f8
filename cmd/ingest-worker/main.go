// Video ingestion worker: receives upload notifications, transcodes and
// transcribes videos, runs the agentic annotation pass, and persists the
// results.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	transcoderapi "cloud.google.com/go/video/transcoder/apiv1"
	"cloud.google.com/go/video/transcoder/apiv1/transcoderpb"
	"github.com/joho/godotenv"

	"github.com/linguaclip/ingest-worker/pkg/agentic"
	"github.com/linguaclip/ingest-worker/pkg/api"
	"github.com/linguaclip/ingest-worker/pkg/asr"
	"github.com/linguaclip/ingest-worker/pkg/config"
	"github.com/linguaclip/ingest-worker/pkg/database"
	"github.com/linguaclip/ingest-worker/pkg/gcs"
	"github.com/linguaclip/ingest-worker/pkg/notify"
	"github.com/linguaclip/ingest-worker/pkg/persistence"
	"github.com/linguaclip/ingest-worker/pkg/transcoder"
	"github.com/linguaclip/ingest-worker/pkg/workflow"
)

const drainTimeout = 10 * time.Minute

// transcoderJobs adapts the generated transcoder client to the
// adapter's JobService surface.
type transcoderJobs struct {
	client *transcoderapi.Client
}

func (t transcoderJobs) CreateJob(ctx context.Context, parent string, job *transcoderpb.Job) (*transcoderpb.Job, error) {
	return t.client.CreateJob(ctx, &transcoderpb.CreateJobRequest{Parent: parent, Job: job})
}

func (t transcoderJobs) GetJob(ctx context.Context, name string) (*transcoderpb.Job, error) {
	return t.client.GetJob(ctx, &transcoderpb.GetJobRequest{Name: name})
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting ingest worker",
		"http_port", cfg.HTTPPort,
		"raw_bucket", cfg.RawBucket,
		"model", cfg.ModelName)

	ctx := context.Background()

	// Database (runs migrations on connect).
	dbClient, err := database.NewClient(ctx, cfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// Object store.
	gcsClient, err := gcs.NewClient(ctx)
	if err != nil {
		slog.Error("Failed to create storage client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := gcsClient.Close(); err != nil {
			slog.Error("Error closing storage client", "error", err)
		}
	}()

	// Transcoding service.
	transcoderClient, err := transcoderapi.NewClient(ctx)
	if err != nil {
		slog.Error("Failed to create transcoder client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := transcoderClient.Close(); err != nil {
			slog.Error("Error closing transcoder client", "error", err)
		}
	}()
	transcodeService := transcoder.NewService(transcoderJobs{client: transcoderClient}, gcsClient, cfg)

	// Transcription service.
	asrService := asr.NewService(asr.NewReplicateClient(cfg.ReplicateAPIToken), gcsClient, cfg)

	// Notifications.
	notifier := notify.NewNotifier(cfg.NotifierWebhookURL)

	// Annotation subsystem.
	provider, err := agentic.NewVertexProvider(ctx, cfg.GCPProject, cfg.GCPRegion, cfg.ModelName, cfg.CacheTTL)
	if err != nil {
		slog.Error("Failed to create vertex provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			slog.Error("Error closing vertex provider", "error", err)
		}
	}()
	catalog := agentic.NewCatalogTool(dbClient.Pool(), cfg.ModelName)
	driver := agentic.NewDriver(cfg.LLMTimeout)
	orchestrator := agentic.NewOrchestrator(provider, catalog, notifier, driver, cfg)

	// Pipeline.
	stores := workflow.NewStores(dbClient.Pool())
	store := persistence.NewStore(dbClient.Pool())
	controller := workflow.NewController(stores, transcodeService, asrService, orchestrator, store, notifier, cfg)

	// HTTP surface.
	server := api.NewServer(controller, dbClient)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop accepting new events first, then drain in-flight ingestions.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, drainTimeout)
	defer drainCancel()
	if err := server.Drain(drainCtx); err != nil {
		slog.Warn("Drain timeout exceeded, in-flight ingestions will be timeout-recovered", "error", err)
	} else {
		slog.Info("In-flight ingestions drained")
	}

	slog.Info("Shutdown complete")
}
