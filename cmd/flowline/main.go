package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kinetiq/flowline/internal/capability"
	"github.com/kinetiq/flowline/internal/engine"
	"github.com/kinetiq/flowline/internal/logging"
	"github.com/kinetiq/flowline/internal/store"
	"github.com/kinetiq/flowline/internal/validation"
	"github.com/kinetiq/flowline/pkg/mcp"
)

// fullStore is what the wiring needs: execution persistence plus the
// definition registry.
type fullStore interface {
	store.Store
	store.DefinitionStore
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(versionString())
		return
	}

	cfg := loadConfig()
	logger := logging.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("flowline exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := capability.NewRegistryWithCosts(capability.NewCostTable(cfg.DefaultCostUSD))
	retry := engine.RetryPolicy{
		MaxRetries:  cfg.MaxRetries,
		Delay:       cfg.retryDelay(),
		Exponential: cfg.RetryExponential,
	}
	interp := engine.NewInterpreter(registry, retry, logger)
	pool := engine.NewWorkerPool(cfg.PoolSize)
	executor := engine.NewExecutor(st, interp, pool, logger)
	defer executor.Shutdown()

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	server := mcp.NewFlowlineServer(mcp.ServerDeps{
		Executor:    executor,
		Estimator:   engine.NewEstimator(registry),
		Definitions: st,
		Validator:   validator,
		Logger:      logger,
	})

	logger.Info("flowline serving on stdio",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize))
	return server.Serve(ctx)
}

// openStore picks the persistence backend: a libSQL database at DBPath, or
// the in-memory store when DBPath is ":memory:".
func openStore(ctx context.Context, cfg Config) (fullStore, error) {
	if cfg.DBPath == ":memory:" {
		return store.NewMemoryStore(), nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}
