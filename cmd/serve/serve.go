// Package serve implements the serve sub-command.
package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rollupkit/orchestrator/api"
	"github.com/rollupkit/orchestrator/cache/proofcache"
	cmdCommon "github.com/rollupkit/orchestrator/cmd/common"
	"github.com/rollupkit/orchestrator/common"
	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/prover/agent"
	"github.com/rollupkit/orchestrator/prover/health"
	"github.com/rollupkit/orchestrator/prover/orchestrator"
	"github.com/rollupkit/orchestrator/storage"
)

const (
	moduleName = "serve"
)

var (
	// Path to the configuration file.
	configFile string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator with local agents and serve its API",
		Run:   runServe,
	}
)

func runServe(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize config.
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}

	// Initialize common environment.
	if err = cmdCommon.Init(ctx, cfg); err != nil {
		log.NewDefaultLogger("init").Error("init failed",
			"error", err,
		)
		os.Exit(1)
	}
	logger := cmdCommon.RootLogger()

	if cfg.Prover == nil {
		logger.Error("prover config not provided")
		os.Exit(1)
	}
	if cfg.Server == nil {
		logger.Error("server config not provided")
		os.Exit(1)
	}

	service, err := NewService(ctx, cfg)
	if err != nil {
		logger.Error("service failed to start", "error", err)
		os.Exit(1)
	}
	defer service.Shutdown()

	if err := service.Run(ctx); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

// Service runs an orchestrator with its local agents behind the HTTP API.
type Service struct {
	orchestrator *orchestrator.Orchestrator
	store        storage.ProofStore
	cache        *proofcache.Cache
	checker      health.Checker
	server       *http.Server
	logger       *log.Logger
}

// NewService creates a new serve service. Nothing runs until Run is called.
func NewService(ctx context.Context, cfg *config.Config) (*Service, error) {
	logger := cmdCommon.RootLogger().WithModule(moduleName)
	s := &Service{logger: logger}

	orchestratorCfg := config.DefaultOrchestratorConfig()
	if cfg.Orchestrator != nil {
		orchestratorCfg = *cfg.Orchestrator
	}

	store, err := cmdCommon.NewProofStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	s.store = store
	opts := []orchestrator.Option{orchestrator.WithProofStore(store)}

	if hc := orchestratorCfg.HealthCheck; hc != nil {
		if s.checker, err = health.New(hc); err != nil {
			s.Shutdown()
			return nil, err
		}
		opts = append(opts, orchestrator.WithHealthChecker(s.checker))
	}

	if s.cache, err = cmdCommon.NewProofCache(cfg.Prover, logger); err != nil {
		s.Shutdown()
		return nil, err
	}
	if s.cache != nil {
		opts = append(opts, orchestrator.WithPoolOptions(agent.WithProofCache(s.cache)))
	}

	s.orchestrator = orchestrator.New(orchestratorCfg, *cfg.Prover, logger, opts...)
	s.server = &http.Server{
		Addr:           cfg.Server.Endpoint,
		Handler:        api.NewHandler(s.orchestrator, cfg.Server, logger),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s, nil
}

// Run starts the orchestrator and serves the API until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.orchestrator.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("starting api service at " + s.server.Addr)
	serveErr := common.RunServer(ctx, s.server, s.logger)

	if err := s.orchestrator.Stop(); err != nil {
		s.logger.Error("orchestrator did not stop cleanly", "error", err)
	}
	return serveErr
}

// Shutdown releases the resources held by the service.
func (s *Service) Shutdown() {
	if s.checker != nil {
		common.CloseOrLog(s.checker, s.logger)
	}
	if s.cache != nil {
		common.CloseOrLog(s.cache, s.logger)
	}
	if s.store != nil {
		s.store.Close()
	}
}

// Register registers the serve sub-command.
func Register(parentCmd *cobra.Command) {
	serveCmd.Flags().StringVar(&configFile, "config", "./config/local.yml", "path to the config.yml file")
	parentCmd.AddCommand(serveCmd)
}
