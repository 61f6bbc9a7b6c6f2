// Package main runs the answer pipeline: the HTTP API, the stage workers and
// the stuck-question sweeper, in one process.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/answerflow/database/connect"
	"github.com/nmxmxh/answerflow/internal/aggregator"
	"github.com/nmxmxh/answerflow/internal/compliance"
	"github.com/nmxmxh/answerflow/internal/config"
	"github.com/nmxmxh/answerflow/internal/dispatcher"
	"github.com/nmxmxh/answerflow/internal/humanizer"
	"github.com/nmxmxh/answerflow/internal/model"
	"github.com/nmxmxh/answerflow/internal/notify"
	"github.com/nmxmxh/answerflow/internal/override"
	"github.com/nmxmxh/answerflow/internal/pipeline"
	"github.com/nmxmxh/answerflow/internal/provider"
	"github.com/nmxmxh/answerflow/internal/repository"
	"github.com/nmxmxh/answerflow/internal/server"
	"github.com/nmxmxh/answerflow/pkg/logger"
	"github.com/nmxmxh/answerflow/pkg/metrics"
	"github.com/nmxmxh/answerflow/pkg/redis"
	"github.com/nmxmxh/answerflow/pkg/tracing"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}
	log := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: cfg.AppName,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server exited", zap.Error(err))
	}
	log.Info("Server stopped gracefully")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    cfg.AppName,
		ServiceVersion: version,
		Environment:    cfg.AppEnv,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				log.Warn("Failed to shutdown tracing", zap.Error(err))
			}
		}()
	}

	db, err := connect.ConnectPostgres(ctx, log, cfg, time.Minute)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Failed to close database", zap.Error(err))
		}
	}()
	store := repository.NewPostgresStore(db, log)
	if cfg.AppEnv != "production" {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	var (
		cache       pipeline.StatusCache
		deadLetters pipeline.DeadLetterSink
		rc          *redis.Client
	)
	if cfg.RedisEnabled() {
		rc, err = redis.NewClient(ctx, redis.Config{
			Host:         cfg.RedisHost,
			Port:         cfg.RedisPort,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     cfg.RedisPoolSize,
			MinIdleConns: cfg.RedisMinIdleConns,
			MaxRetries:   cfg.RedisMaxRetries,
		}, log)
		if err != nil {
			return err
		}
		defer rc.Close()
		cache = redis.NewStatusCache(rc, cfg.StatusCacheTTL)
		deadLetters = rc.DeadLetter
	} else {
		log.Info("Redis not configured, status cache and DLQ stream disabled")
	}

	p := cfg.Pipeline
	policy := dispatcher.RetryPolicy{
		MaxAttempts:     p.MaxStageRetries,
		InitialInterval: p.RetryInitialInterval,
		MaxInterval:     p.RetryMaxInterval,
	}
	// The orchestrator owns dead-letter handling but needs the dispatcher
	// first, so the callback resolves it late.
	var orch *pipeline.Orchestrator
	onDead := func(ctx context.Context, msg *model.PipelineMessage, err error) {
		if orch != nil {
			orch.OnDeadLetter(ctx, msg, err)
		}
	}
	var disp dispatcher.Dispatcher
	if cfg.AMQPURL != "" {
		d, err := dispatcher.NewAMQP(cfg.AMQPURL, policy, onDead, log)
		if err != nil {
			return err
		}
		disp = d
	} else {
		log.Warn("AMQP_URL not set, using the in-process dispatcher")
		disp = dispatcher.NewMemory(policy, onDead, log)
	}
	defer disp.Close()

	httpClient := &http.Client{Timeout: p.ProviderTimeout}
	llms := make([]provider.LLM, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		llms = append(llms, provider.NewChatClient(pc, httpClient, log))
	}
	if len(llms) == 0 {
		log.Warn("No providers configured, every question goes to expert review")
	}

	var external provider.Humanizer
	if c := provider.NewHumanizerClient(cfg.HumanizerURL, cfg.HumanizerAPIKey, httpClient, log); c != nil {
		external = c
	}
	var originality provider.OriginalityChecker
	if c := provider.NewOriginalityClient(cfg.OriginalityURL, cfg.OriginalityAPIKey, httpClient, log); c != nil {
		originality = c
	}
	var extractor provider.TextExtractor
	if c := provider.NewOCRClient(cfg.OCRURL, cfg.OCRAPIKey, httpClient, log); c != nil {
		extractor = c
	}
	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.NotifyWebhookURL != "" {
		notifier = notify.NewWebhook(cfg.NotifyWebhookURL, nil)
	}

	orch, err = pipeline.New(pipeline.Deps{
		Store:      store,
		Dispatcher: disp,
		Aggregator: aggregator.New(llms, aggregator.Config{
			CallTimeout:              p.ProviderTimeout,
			SingleResponseConfidence: p.SingleResponseFloor,
			AgreementBoost:           p.AgreementBoost,
			SimilarityWeight:         p.SimilarityWeight,
		}, log),
		Humanizer: humanizer.New(external, p.ProviderTimeout, log),
		Gate: compliance.New(originality, compliance.Config{
			AIThreshold:          p.AIContentThreshold,
			OriginalityThreshold: p.OriginalityThreshold,
			Timeout:              p.ProviderTimeout,
		}, log),
		Extractor:   extractor,
		Notifier:    notifier,
		Cache:       cache,
		DeadLetters: deadLetters,
	}, pipeline.Options{
		MaxComplianceRetries: p.MaxComplianceRetries,
		MinConfidence:        p.MinConfidence,
		StageTimeout:         p.StageTimeout,
		EscalationRule:       p.EscalationRule,
	}, log)
	if err != nil {
		return err
	}

	stages := make([]model.Stage, 0, len(p.WorkerStages))
	for _, name := range p.WorkerStages {
		if s, ok := model.ParseStage(name); ok {
			stages = append(stages, s)
		}
	}

	srv := server.New(orch, override.New(orch, log), cfg.JWTSecret, log,
		server.WithReadiness(func(ctx context.Context) error { return ping(ctx, db, rc) }))
	sweeper := pipeline.NewSweeper(orch, p.SweepSchedule, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, ":"+cfg.HTTPPort) })
	g.Go(func() error { return metrics.Serve(gctx, ":"+cfg.MetricsPort, log) })
	g.Go(func() error {
		if len(stages) == 0 {
			log.Info("No worker stages configured")
			return nil
		}
		return pipeline.RunWorkers(gctx, disp, orch.Handlers(), stages, p.WorkerConcurrency, log)
	})
	g.Go(func() error {
		if err := sweeper.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})
	log.Info("Answer pipeline started",
		zap.String("http_port", cfg.HTTPPort),
		zap.Int("providers", len(llms)),
		zap.Int("worker_stages", len(stages)),
	)
	return g.Wait()
}

func ping(ctx context.Context, db *sql.DB, rc *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	if rc != nil {
		return rc.Ping(ctx)
	}
	return nil
}
