package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/bryanwahyu/codeprobe/internal/application"
	appai "github.com/bryanwahyu/codeprobe/internal/application/ai"
	appscans "github.com/bryanwahyu/codeprobe/internal/application/scans"
	"github.com/bryanwahyu/codeprobe/internal/config"
	domain "github.com/bryanwahyu/codeprobe/internal/domain/scans"
	"github.com/bryanwahyu/codeprobe/internal/infra/ai/openai"
	"github.com/bryanwahyu/codeprobe/internal/infra/archive"
	mysqlp "github.com/bryanwahyu/codeprobe/internal/infra/db/mysql"
	postgresp "github.com/bryanwahyu/codeprobe/internal/infra/db/postgres"
	"github.com/bryanwahyu/codeprobe/internal/infra/detect"
	"github.com/bryanwahyu/codeprobe/internal/infra/dynamic"
	"github.com/bryanwahyu/codeprobe/internal/infra/engine"
	dockerrunner "github.com/bryanwahyu/codeprobe/internal/infra/executor/docker"
	"github.com/bryanwahyu/codeprobe/internal/infra/executor/process"
	"github.com/bryanwahyu/codeprobe/internal/infra/probe"
	minioStore "github.com/bryanwahyu/codeprobe/internal/infra/storage"
	"github.com/bryanwahyu/codeprobe/internal/middleware"
)

// app holds everything a command needs, plus what must be closed.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	svc     *appscans.Service
	docker  *engine.Docker
	db      *sql.DB
	metrics *middleware.Metrics
}

func (a *app) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.docker != nil {
		_ = a.docker.Close()
	}
}

// health checks for /health
func (a *app) checkers() map[string]middleware.HealthChecker {
	checks := map[string]middleware.HealthChecker{
		"docker": middleware.CheckFunc(a.docker.Ping),
	}
	if a.db != nil {
		checks["database"] = middleware.DBChecker(a.db)
	}
	return checks
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: middleware.NewMetrics()}

	docker, err := engine.NewDocker()
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	a.docker = docker

	clock := application.SystemClock{}
	registry := appscans.NewRegistry(clock)
	cleaner := appscans.NewCleaner(registry, docker, logger)
	cleaner.Timeout = cfg.Timeouts.Teardown

	// init runner
	tools := dockerrunner.NewRunner(dockerrunner.Images{
		Semgrep: cfg.Tools.Semgrep,
		Trivy:   cfg.Tools.Trivy,
		ZAP:     cfg.Tools.ZAP,
	}, cfg.Tools.TempDir)
	tools.SemgrepConfig = cfg.Tools.SemgrepConfig
	tools.Logger = logger

	runner := &dynamic.Runner{
		Engine:  docker,
		Scanner: tools,
		Tracker: registry,
		Network: cfg.Dynamic.Network,
		Ports:   cfg.Dynamic.Ports,
		Probe: probe.Policy{
			Attempts: cfg.Dynamic.ProbeAttempts,
			Delay:    cfg.Dynamic.ProbeDelay,
		},
		ScanBudget:   cfg.Timeouts.ActiveScan,
		BuildTimeout: cfg.Timeouts.Build,
		Concurrency:  cfg.Dynamic.Concurrency,
		Metrics:      a.metrics,
		Logger:       logger,
	}

	// init service
	svc := &appscans.Service{
		Registry: registry,
		Intake:   archive.NewZip(),
		Executors: map[domain.StepName]domain.StepExecutor{
			domain.StepBandit:  process.NewBandit(cfg.Tools.Bandit),
			domain.StepSemgrep: tools.Step(domain.StepSemgrep),
			domain.StepTrivy:   tools.Step(domain.StepTrivy),
			domain.StepDynamic: &dynamic.Step{Detector: detect.New(), Runner: runner},
		},
		Timeouts: map[domain.StepName]time.Duration{
			domain.StepExtract: cfg.Timeouts.Extract,
			domain.StepBandit:  cfg.Timeouts.Bandit,
			domain.StepSemgrep: cfg.Timeouts.Semgrep,
			domain.StepTrivy:   cfg.Timeouts.Trivy,
			domain.StepDynamic: cfg.Timeouts.Dynamic,
		},
		Cleaner:   cleaner,
		Metrics:   a.metrics,
		Logger:    logger,
		Clock:     clock,
		UploadDir: cfg.UploadDir,
	}
	a.svc = svc

	if cfg.DatabaseEnabled() {
		if err := a.connectDB(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	// init minio
	if cfg.MinioEnabled() {
		store, err := minioStore.New(ctx,
			cfg.Minio.Endpoint,
			cfg.Minio.Region,
			cfg.Minio.BucketName,
			cfg.Minio.AccessKey,
			cfg.Minio.SecretKey,
			cfg.Minio.UseSSL,
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("minio init: %w", err)
		}
		store.PresignExpiry = cfg.Minio.PresignExpiry
		svc.Artifacts = store
	}

	if cfg.AI.APIKey != "" {
		svc.Advisor = appai.NewService(openai.NewClient(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.BaseURL))
	}

	logger.Info("scan service ready",
		"database", cfg.Database.Driver,
		"artifacts", cfg.MinioEnabled(),
		"advisor", svc.Advisor != nil,
		"network", cfg.Dynamic.Network,
	)
	return a, nil
}

func (a *app) connectDB(ctx context.Context) error {
	var err error
	switch a.cfg.Database.Driver {
	case "postgres":
		if a.db, err = postgresp.Connect(ctx, a.cfg.DSN()); err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		if err := postgresp.EnsureSchema(ctx, a.db); err != nil {
			return fmt.Errorf("postgres schema: %w", err)
		}
		a.svc.Errors = postgresp.NewScanErrorRepository(a.db)
	default:
		if a.db, err = mysqlp.Connect(ctx, a.cfg.DSN()); err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		if err := mysqlp.EnsureSchema(ctx, a.db); err != nil {
			return fmt.Errorf("mysql schema: %w", err)
		}
		a.svc.Errors = mysqlp.NewScanErrorRepository(a.db)
	}
	return nil
}
