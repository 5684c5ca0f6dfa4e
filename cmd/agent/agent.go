// Package agent implements the agent sub-command.
package agent

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rollupkit/orchestrator/api/client"
	cmdCommon "github.com/rollupkit/orchestrator/cmd/common"
	"github.com/rollupkit/orchestrator/common"
	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/prover/agent"
)

const (
	moduleName = "agent"
)

var (
	// Path to the configuration file.
	configFile string

	agentCmd = &cobra.Command{
		Use:   "agent",
		Short: "Run proving agents against a remote orchestrator",
		Run:   runAgents,
	}
)

func runAgents(cmd *cobra.Command, args []string) {
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
	logger := cmdCommon.RootLogger().WithModule(moduleName)

	if cfg.Agent == nil {
		logger.Error("agent config not provided")
		os.Exit(1)
	}

	if err := Run(ctx, cfg.Agent, logger); err != nil {
		logger.Error("agents stopped", "error", err)
		os.Exit(1)
	}
}

// Run attaches the configured number of agents to the remote job source
// and keeps them running until ctx is done.
func Run(ctx context.Context, cfg *config.AgentConfig, logger *log.Logger) error {
	source, err := client.NewRemoteSource(cfg.SourceURL, logger)
	if err != nil {
		return err
	}

	prefix := "agent"
	if hostname, err := os.Hostname(); err == nil {
		prefix = hostname
	}
	opts := []agent.Option{agent.WithIDPrefix(prefix)}

	cache, err := cmdCommon.NewProofCache(cfg.Prover, logger)
	if err != nil {
		return err
	}
	if cache != nil {
		defer common.CloseOrLog(cache, logger)
		opts = append(opts, agent.WithProofCache(cache))
	}

	pool := agent.NewPool(source, *cfg.Prover, logger, opts...)
	pool.Resize(cfg.Prover.ProverAgents)
	logger.Info("agents started",
		"source", cfg.SourceURL,
		"agents", cfg.Prover.ProverAgents,
		"real_proofs", cfg.Prover.RealProofs,
	)

	<-ctx.Done()
	return pool.Stop(config.DefaultOrchestratorConfig().ShutdownTimeout)
}

// Register registers the agent sub-command.
func Register(parentCmd *cobra.Command) {
	agentCmd.Flags().StringVar(&configFile, "config", "./config/agent.yml", "path to the config.yml file")
	parentCmd.AddCommand(agentCmd)
}
