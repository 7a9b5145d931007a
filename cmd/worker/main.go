package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/colloquium-journals/colloquium-sub006/internal/actions"
	"github.com/colloquium-journals/colloquium-sub006/internal/assets"
	"github.com/colloquium-journals/colloquium-sub006/internal/botcontext"
	"github.com/colloquium-journals/colloquium-sub006/internal/bots"
	"github.com/colloquium-journals/colloquium-sub006/internal/config"
	"github.com/colloquium-journals/colloquium-sub006/internal/credentials"
	"github.com/colloquium-journals/colloquium-sub006/internal/effects"
	"github.com/colloquium-journals/colloquium-sub006/internal/jobs"
	"github.com/colloquium-journals/colloquium-sub006/internal/logging"
	"github.com/colloquium-journals/colloquium-sub006/internal/manuscript"
	"github.com/colloquium-journals/colloquium-sub006/internal/materialize"
	"github.com/colloquium-journals/colloquium-sub006/internal/models"
	"github.com/colloquium-journals/colloquium-sub006/internal/notify"
	"github.com/colloquium-journals/colloquium-sub006/internal/queue"
	"github.com/colloquium-journals/colloquium-sub006/internal/store"
	"github.com/colloquium-journals/colloquium-sub006/internal/telemetry"
	"github.com/colloquium-journals/colloquium-sub006/internal/trigger"
	workerproc "github.com/colloquium-journals/colloquium-sub006/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Client().Close()

	manifest, err := bots.LoadManifest(cfg.BotsManifest)
	if err != nil {
		return err
	}
	registry, err := bots.NewRegistry(manifest.Plugins(&http.Client{Timeout: cfg.BotTimeout})...)
	if err != nil {
		return err
	}

	nc, err := notify.Connect(cfg.NATSURL, "colloquium-worker")
	if err != nil {
		return err
	}
	defer nc.Drain()

	var publisher effects.AssetPublisher
	if cfg.AssetsS3Bucket != "" {
		s3c, err := assets.NewS3Client(ctx, cfg)
		if err != nil {
			return err
		}
		publisher = assets.NewPublisher(s3c, assets.OptionsFromConfig(cfg), logger)
	} else {
		logger.Warn("ASSETS_S3_BUCKET unset; asset publication disabled")
	}

	drainer := effects.NewDispatcher(
		publisher,
		notify.NewBroadcaster(nc, cfg.NATSSubjectPrefix),
		notify.NewMailer(nc, cfg.NATSSubjectPrefix),
		st,
		logger,
	)
	machine := manuscript.NewMachine(st)
	client := jobs.NewClient(st, q, cfg.MaxAttempts, cfg.IdempotencyTTL)

	dispatcher := trigger.New(trigger.Deps{
		Store:        st,
		Registry:     registry,
		Credentials:  credentials.NewIssuer(q.Client(), cfg.CredentialTTL),
		Contexts:     botcontext.NewBuilder(st, logger),
		Materializer: materialize.New(st, drainer, logger),
		Actions:      actions.NewProcessor(st, machine, drainer, logger, actions.Options{ReviewDefaultDays: cfg.ReviewDefaultDays}),
		Jobs:         client,
	}, cfg.BotTimeout, logger)

	processor := workerproc.NewProcessor(cfg, q, st, workerID(), logger)
	processor.RegisterHandler(models.JobTypeMessageTrigger, dispatcher.HandleMessage)
	processor.RegisterHandler(models.JobTypeEventTrigger, dispatcher.HandleEvent)
	processor.RegisterHandler(models.JobTypePipelineStep, dispatcher.HandlePipelineStep)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	defer metrics.Close()

	logger.Info("worker started",
		"bots", len(manifest.Bots),
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial,
	)
	return processor.Run(ctx)
}

// workerID prefers WORKER_ID, then the hostname.
func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
