package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watchtower-ops/watchtower/internal/config"
	"github.com/watchtower-ops/watchtower/internal/middleware"
	monapi "github.com/watchtower-ops/watchtower/internal/monitoring/api"
	"github.com/watchtower-ops/watchtower/internal/monitoring/database"
	"github.com/watchtower-ops/watchtower/internal/monitoring/model"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/coverage"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/drift"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/kpialert"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/playbook"
	"github.com/watchtower-ops/watchtower/internal/monitoring/service/scheduler"
)

func main() {
	log.Info().Msg("Starting watchtower evaluation engine")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := database.New(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("metric store init failed")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	policy := database.RetryPolicy{
		Attempts: cfg.Evaluation.MaxRetries,
		Timeout:  parseDuration(cfg.Evaluation.StoreTimeout, 10*time.Second),
		Backoff:  parseDuration(cfg.Evaluation.RetryBackoff, 500*time.Millisecond),
	}
	metricRepo := database.NewMetricRepo(db, policy)
	resultRepo := database.NewResultRepo(db, policy)
	alertRepo := database.NewAlertRepo(db, policy)
	playbookRepo := database.NewPlaybookRepo(db, policy)
	thresholdRepo := database.NewThresholdRepo(db, policy)
	cycleRepo := database.NewCycleRepo(db, policy)

	// An invalid registry is fatal: the engine refuses to start rather than
	// evaluate without its remediation rules.
	registry, err := playbook.LoadRegistry(cfg.Playbooks.RegistryFile)
	if err != nil {
		log.Fatal().Err(err).Msg("playbook registry load failed")
	}

	actions := playbook.NewActions(
		&http.Client{Timeout: 10 * time.Second},
		cfg.Playbooks.NotifyURL,
		rdb,
		cfg.Playbooks.RetrainQueue,
		thresholdRepo,
	)
	var lease playbook.Lease = playbook.NewRedisLease(rdb)
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, falling back to in-process leases")
		lease = playbook.NewMemoryLease()
	}
	pingCancel()
	engine := playbook.NewEngine(registry, playbookRepo, alertRepo, actions, lease, playbook.EngineConfig{
		LeaseTTL:      parseDuration(cfg.Playbooks.LeaseTTL, 2*time.Minute),
		ActionTimeout: parseDuration(cfg.Playbooks.ActionTimeout, 30*time.Second),
	})

	// Finish any runs a previous process left non-terminal before the
	// scheduler starts creating new ones.
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), time.Minute)
	if n, err := engine.RecoverRuns(recoverCtx); err != nil {
		log.Error().Err(err).Msg("playbook run recovery incomplete")
	} else if n > 0 {
		log.Info().Int("runs", n).Msg("recovered playbook runs from previous process")
	}
	recoverCancel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(scheduler.Deps{
		Metrics:    metricRepo,
		Results:    resultRepo,
		Alerts:     alertRepo,
		Thresholds: thresholdRepo,
		Cycles:     cycleRepo,
		Playbooks:  engine,
		Registry:   registry,
		Drift: drift.New(drift.Config{
			Significance:      cfg.Evaluation.Drift.Significance,
			MinSamples:        cfg.Evaluation.Drift.MinSamples,
			MediumStat:        cfg.Evaluation.Drift.MediumStat,
			HighStat:          cfg.Evaluation.Drift.HighStat,
			AccuracyDelta:     cfg.Evaluation.Drift.AccuracyDelta,
			SustainedCycles:   cfg.Evaluation.Drift.SustainedCycles,
			MinLabeledSamples: cfg.Evaluation.Drift.MinLabeledSamples,
		}),
		Coverage: coverage.New(coverage.Config{
			DefaultMinimum: cfg.Evaluation.Coverage.DefaultMinimum,
			Minimums:       cfg.Evaluation.Coverage.Minimums,
			Hysteresis:     cfg.Evaluation.Coverage.Hysteresis,
		}),
		Evaluator: kpialert.New(kpialert.Config{
			AlertFloor:  model.Severity(cfg.Evaluation.AlertFloor),
			DeepGapSize: cfg.Evaluation.DeepGapSize,
		}),
		Interval:               parseDuration(cfg.Evaluation.Interval, 5*time.Minute),
		WindowRange:            parseDuration(cfg.Evaluation.WindowRange, 24*time.Hour),
		BaselineLookback:       time.Duration(cfg.Evaluation.BaselineDays) * 24 * time.Hour,
		ModelName:              cfg.Evaluation.ModelName,
		MetricIDs:              cfg.Evaluation.Metrics,
		Features:               cfg.Evaluation.Features,
		Categories:             cfg.Evaluation.Categories,
		StoreFailureEscalation: cfg.Evaluation.StoreFailureEscalation,
	})
	go sched.Start(ctx)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.Authentication(cfg.Server.AuthToken))
	monapi.RegisterRoutes(router, alertRepo, playbookRepo, resultRepo, db)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start watchtower api server failed.")
	}
	log.Info().Msg("watchtower server exit...")
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
