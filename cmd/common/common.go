// Package common implements common orchestrator command options.
package common

import (
	"context"
	"fmt"
	"io"
	stdLog "log"
	"os"

	"github.com/akrylysov/pogreb"
	"github.com/spf13/pflag"

	"github.com/rollupkit/orchestrator/cache/proofcache"
	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
	"github.com/rollupkit/orchestrator/prover/agent"
	"github.com/rollupkit/orchestrator/storage"
	"github.com/rollupkit/orchestrator/storage/memory"
	"github.com/rollupkit/orchestrator/storage/postgres"
)

var rootLogger = log.NewDefaultLogger("orchestrator")

const (
	logLevelFlag  = "log.level"
	logFormatFlag = "log.format"
)

var (
	logFlags     *pflag.FlagSet
	logLevelArg  log.Level
	logFormatArg log.Format
)

var _ agent.ProofCache = (*proofcache.Cache)(nil)

// Init initializes the common environment. Metrics and profiling servers
// run until ctx is done.
func Init(ctx context.Context, cfg *config.Config) error {
	var w io.Writer = os.Stdout
	format := log.FmtJSON
	level := log.LevelDebug

	if cfg.Log != nil {
		var err error
		if w, err = getLoggingStream(cfg.Log); err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		if err := format.Set(cfg.Log.Format); err != nil {
			return err
		}
		if err := level.Set(cfg.Log.Level); err != nil {
			return err
		}
	}
	if logFlags != nil && logFlags.Changed(logLevelFlag) {
		level = logLevelArg
	}
	if logFlags != nil && logFlags.Changed(logFormatFlag) {
		format = logFormatArg
	}
	logger, err := log.NewLogger("orchestrator", w, format, level)
	if err != nil {
		return err
	}
	rootLogger = logger

	// Initialize pogreb logging.
	pogrebLogger := RootLogger().WithModule("pogreb").WithCallerUnwind(7)
	pogreb.SetLogger(stdLog.New(log.WriterIntoLogger(*pogrebLogger), "", 0))

	if cfg.Metrics != nil {
		promServer, err := metrics.NewPullService(cfg.Metrics.PullEndpoint, rootLogger)
		if err != nil {
			return fmt.Errorf("initializing metrics: %w", err)
		}
		go func() {
			if err := promServer.Run(ctx); err != nil {
				rootLogger.Error("metrics server stopped", "err", err)
			}
		}()
		if cfg.Metrics.PprofEndpoint != "" {
			startPprof(ctx, cfg.Metrics.PprofEndpoint)
		}
	}
	return nil
}

// RegisterLogFlags adds flags that override the configured log level and
// format to fs.
func RegisterLogFlags(fs *pflag.FlagSet) {
	fs.Var(&logLevelArg, logLevelFlag, "log level, overrides log.level of the config file")
	fs.Var(&logFormatArg, logFormatFlag, "log format, overrides log.format of the config file")
	logFlags = fs
}

// RootLogger returns the logger defined by logging flags.
func RootLogger() *log.Logger {
	return rootLogger
}

func getLoggingStream(cfg *config.LogConfig) (io.Writer, error) {
	if cfg == nil || cfg.File == "" {
		return os.Stdout, nil
	}
	w, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// NewProofStore creates the proof store selected by cfg. A nil cfg selects
// the in-memory store. The postgres schema is migrated before use.
func NewProofStore(ctx context.Context, cfg *config.StorageConfig, logger *log.Logger) (storage.ProofStore, error) {
	if cfg == nil {
		return memory.NewStore(), nil
	}
	var backend config.StorageBackend
	if err := backend.Set(cfg.Backend); err != nil {
		return nil, err
	}

	switch backend {
	case config.BackendInMemory:
		return memory.NewStore(), nil
	case config.BackendPostgres:
		client, err := postgres.NewClient(cfg.Endpoint, logger)
		if err != nil {
			return nil, err
		}
		if cfg.WipeStorage {
			logger.Warn("wiping storage")
			if err := client.Wipe(ctx); err != nil {
				client.Close()
				return nil, fmt.Errorf("wiping storage: %w", err)
			}
		}
		if err := postgres.Migrate(cfg.Migrations, cfg.Endpoint, logger); err != nil {
			client.Close()
			return nil, err
		}
		return postgres.NewProofStore(client), nil
	default:
		panic(fmt.Sprintf("unsupported storage backend: %v", backend))
	}
}

// NewProofCache opens the proof cache configured in cfg, if any.
func NewProofCache(cfg *config.ProverConfig, logger *log.Logger) (*proofcache.Cache, error) {
	if cfg.ProofCacheDir == "" {
		return nil, nil
	}
	return proofcache.Open(cfg.ProofCacheDir, logger)
}
