// cmd/syncd/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/parcelpoint/syncd/pkg/api"
	"github.com/parcelpoint/syncd/pkg/audit"
	"github.com/parcelpoint/syncd/pkg/config"
	"github.com/parcelpoint/syncd/pkg/connector"
	"github.com/parcelpoint/syncd/pkg/handler"
	"github.com/parcelpoint/syncd/pkg/model"
	"github.com/parcelpoint/syncd/pkg/orchestrator"
	"github.com/parcelpoint/syncd/pkg/scheduler"
	"github.com/parcelpoint/syncd/pkg/store"
)

// Exit codes for CLI wrappers.
const (
	exitOK         = 0
	exitJobFailed  = 1
	exitValidation = 2
	exitConfig     = 3
	exitCancelled  = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		mode    = flag.String("mode", "serve", "serve | run | verify-audit")
		kind    = flag.String("kind", "incremental", "job kind for run mode: full | incremental | selective")
		tables  = flag.String("tables", "", "comma-separated table list for run mode")
		mapping = flag.String("mapping", "", "path to the field/table mapping YAML")
	)
	flag.Parse()

	// A local .env is optional; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	logger, err := buildLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	var fieldMapping *config.Mapping
	if *mapping != "" {
		fieldMapping, err = config.LoadMapping(*mapping)
		if err != nil {
			logger.Error("Failed to load mapping", zap.Error(err))
			return exitConfig
		}
	} else {
		fieldMapping = &config.Mapping{}
	}

	if *mode == "verify-audit" {
		if err := audit.VerifyDir(cfg.Options.AuditDir); err != nil {
			logger.Error("Audit chain verification failed", zap.Error(err))
			return exitValidation
		}
		logger.Info("Audit chain verified", zap.String("dir", cfg.Options.AuditDir))
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := connector.NewConnectorFactory(cfg, logger)
	source, target, err := factory.CreateAllConnectors(ctx)
	if err != nil {
		logger.Error("Failed to connect", zap.Error(err))
		return exitConfig
	}
	defer source.Close()
	defer target.Close()

	control, err := factory.CreateControlConnector(ctx)
	if err != nil {
		logger.Error("Failed to connect to control database", zap.Error(err))
		return exitConfig
	}
	defer control.Close()

	st := store.NewStore(control.DB(), logger)
	if err := st.Bootstrap(ctx); err != nil {
		logger.Error("Failed to bootstrap control schema", zap.Error(err))
		return exitConfig
	}

	auditWriter, err := audit.NewWriter(cfg.Options.AuditDir, cfg.Options.InstallID, logger)
	if err != nil {
		logger.Error("Failed to open audit chain", zap.Error(err))
		return exitConfig
	}
	defer auditWriter.Close()

	registry := handler.NewRegistry(logger)
	orch := orchestrator.NewOrchestrator(st, source, target, registry, fieldMapping, cfg.Options, auditWriter, logger)

	switch *mode {
	case "run":
		return runOnce(ctx, orch, *kind, *tables, logger)
	case "serve":
		return serve(ctx, cfg, st, orch, auditWriter, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		return exitConfig
	}
}

// runOnce executes a single job synchronously and maps its outcome to an
// exit code.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, kindStr, tablesStr string, logger *zap.Logger) int {
	kind := model.JobKind(kindStr)
	switch kind {
	case model.JobKindFull, model.JobKindIncremental, model.JobKindSelective:
	default:
		logger.Error("Unknown job kind", zap.String("kind", kindStr))
		return exitConfig
	}

	var tables []string
	if tablesStr != "" {
		tables = strings.Split(tablesStr, ",")
	}

	job, err := orch.SubmitJob(ctx, kind, tables, "cli")
	if err != nil {
		logger.Error("Failed to submit job", zap.Error(err))
		return exitConfig
	}

	err = orch.RunJob(ctx, job.ID)
	switch {
	case err == nil:
		logger.Info("Job completed", zap.String("job_id", job.ID))
		return exitOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Warn("Job cancelled", zap.String("job_id", job.ID))
		return exitCancelled
	case strings.Contains(err.Error(), "schema validation"):
		logger.Error("Validation failed", zap.String("job_id", job.ID), zap.Error(err))
		return exitValidation
	default:
		logger.Error("Job failed", zap.String("job_id", job.ID), zap.Error(err))
		return exitJobFailed
	}
}

// serve runs the long-lived service: worker pool, scheduler, and API.
func serve(
	ctx context.Context,
	cfg *config.Config,
	st *store.Store,
	orch *orchestrator.Orchestrator,
	auditWriter *audit.Writer,
	logger *zap.Logger,
) int {
	if err := orch.Start(ctx); err != nil {
		logger.Error("Failed to start orchestrator", zap.Error(err))
		return exitConfig
	}

	sched := scheduler.NewScheduler(st, orch, logger)
	go sched.Run(ctx)

	server := api.NewServer(orch, sched, st, auditWriter, cfg.APITokens, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("API server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API shutdown incomplete", zap.Error(err))
	}
	orch.Stop()
	return exitOK
}

func buildLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
