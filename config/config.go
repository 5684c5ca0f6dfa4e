// Package config enables config file parsing.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/rollupkit/orchestrator/log"
)

// Config contains the CLI configuration.
type Config struct {
	Prover       *ProverConfig       `koanf:"prover"`
	Orchestrator *OrchestratorConfig `koanf:"orchestrator"`
	Storage      *StorageConfig      `koanf:"storage"`
	Server       *ServerConfig       `koanf:"server"`
	Agent        *AgentConfig        `koanf:"agent"`
	Log          *LogConfig          `koanf:"log"`
	Metrics      *MetricsConfig      `koanf:"metrics"`
}

// Validate performs config validation.
func (cfg *Config) Validate() error {
	if cfg.Prover != nil {
		if err := cfg.Prover.Validate(); err != nil {
			return fmt.Errorf("prover: %w", err)
		}
	}
	if cfg.Orchestrator != nil {
		if err := cfg.Orchestrator.Validate(); err != nil {
			return fmt.Errorf("orchestrator: %w", err)
		}
	}
	if cfg.Storage != nil {
		if err := cfg.Storage.Validate(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	if cfg.Server != nil {
		if err := cfg.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}
	if cfg.Agent != nil {
		if err := cfg.Agent.Validate(); err != nil {
			return fmt.Errorf("agent: %w", err)
		}
	}
	if cfg.Log != nil {
		if err := cfg.Log.Validate(); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	if cfg.Metrics != nil {
		if err := cfg.Metrics.Validate(); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	return nil
}

// ProverConfig configures proof generation: where the proving binaries live,
// how many local agents run, and whether real proofs are produced.
type ProverConfig struct {
	// AcvmWorkingDirectory is where per-job witness generation directories are created.
	AcvmWorkingDirectory string `koanf:"acvm_working_directory" json:"acvmWorkingDirectory"`
	// AcvmBinaryPath is the witness generator executable.
	AcvmBinaryPath string `koanf:"acvm_binary_path" json:"acvmBinaryPath"`
	// BbWorkingDirectory is where per-job proving directories are created.
	BbWorkingDirectory string `koanf:"bb_working_directory" json:"bbWorkingDirectory"`
	// BbBinaryPath is the prover executable.
	BbBinaryPath string `koanf:"bb_binary_path" json:"bbBinaryPath"`

	// ProverAgents is the number of agents running in this process.
	ProverAgents int `koanf:"prover_agents" json:"proverAgents"`
	// RealProofs selects the binary executor; otherwise stub proofs are returned.
	RealProofs bool `koanf:"real_proofs" json:"realProofs"`
	// ProverAgentPollIntervalMs is how long an idle agent waits between claims.
	ProverAgentPollIntervalMs int `koanf:"prover_agent_poll_interval_ms" json:"proverAgentPollIntervalMs"`

	// ProofCacheDir, if set, enables the on-disk proof cache.
	ProofCacheDir string `koanf:"proof_cache_dir" json:"proofCacheDir"`
}

// DefaultProverConfig returns a config that runs one agent producing stub proofs.
func DefaultProverConfig() ProverConfig {
	return ProverConfig{
		ProverAgents:              1,
		ProverAgentPollIntervalMs: 100,
	}
}

// PollInterval returns ProverAgentPollIntervalMs as a duration.
func (cfg ProverConfig) PollInterval() time.Duration {
	return time.Duration(cfg.ProverAgentPollIntervalMs) * time.Millisecond
}

// Validate validates the prover configuration.
func (cfg *ProverConfig) Validate() error {
	if cfg.ProverAgents < 0 {
		return fmt.Errorf("prover_agents must be non-negative, got %d", cfg.ProverAgents)
	}
	if cfg.ProverAgentPollIntervalMs <= 0 {
		return fmt.Errorf("prover_agent_poll_interval_ms must be positive, got %d", cfg.ProverAgentPollIntervalMs)
	}
	if cfg.RealProofs {
		if cfg.AcvmBinaryPath == "" || cfg.BbBinaryPath == "" {
			return fmt.Errorf("real_proofs requires acvm_binary_path and bb_binary_path")
		}
		if cfg.AcvmWorkingDirectory == "" || cfg.BbWorkingDirectory == "" {
			return fmt.Errorf("real_proofs requires acvm_working_directory and bb_working_directory")
		}
	}
	return nil
}

// ProverConfigUpdate is a partial ProverConfig. Only non-nil fields are applied.
type ProverConfigUpdate struct {
	AcvmWorkingDirectory      *string `json:"acvmWorkingDirectory,omitempty"`
	AcvmBinaryPath            *string `json:"acvmBinaryPath,omitempty"`
	BbWorkingDirectory        *string `json:"bbWorkingDirectory,omitempty"`
	BbBinaryPath              *string `json:"bbBinaryPath,omitempty"`
	ProverAgents              *int    `json:"proverAgents,omitempty"`
	RealProofs                *bool   `json:"realProofs,omitempty"`
	ProverAgentPollIntervalMs *int    `json:"proverAgentPollIntervalMs,omitempty"`
}

// Apply returns cfg with the fields of u merged in. The result is validated;
// on error cfg is returned unchanged.
func (u *ProverConfigUpdate) Apply(cfg ProverConfig) (ProverConfig, error) {
	merged := cfg
	if u.AcvmWorkingDirectory != nil {
		merged.AcvmWorkingDirectory = *u.AcvmWorkingDirectory
	}
	if u.AcvmBinaryPath != nil {
		merged.AcvmBinaryPath = *u.AcvmBinaryPath
	}
	if u.BbWorkingDirectory != nil {
		merged.BbWorkingDirectory = *u.BbWorkingDirectory
	}
	if u.BbBinaryPath != nil {
		merged.BbBinaryPath = *u.BbBinaryPath
	}
	if u.ProverAgents != nil {
		merged.ProverAgents = *u.ProverAgents
	}
	if u.RealProofs != nil {
		merged.RealProofs = *u.RealProofs
	}
	if u.ProverAgentPollIntervalMs != nil {
		merged.ProverAgentPollIntervalMs = *u.ProverAgentPollIntervalMs
	}
	if err := merged.Validate(); err != nil {
		return cfg, err
	}
	return merged, nil
}

// OrchestratorConfig configures block decomposition and job retries.
type OrchestratorConfig struct {
	// MaxJobAttempts is how many times a logical job is attempted before the
	// block fails.
	MaxJobAttempts int `koanf:"max_job_attempts"`
	// MaxConcurrentTxs bounds the per-transaction pipelines of one block.
	MaxConcurrentTxs int `koanf:"max_concurrent_txs"`
	// ShutdownTimeout is how long Stop waits for agents to exit.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// HealthCheck, if set, is consulted before agents are started.
	HealthCheck *HealthCheckConfig `koanf:"health_check"`
}

// DefaultOrchestratorConfig returns the default orchestrator settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxJobAttempts:   3,
		MaxConcurrentTxs: 16,
		ShutdownTimeout:  30 * time.Second,
	}
}

// Validate validates the orchestrator configuration.
func (cfg *OrchestratorConfig) Validate() error {
	if cfg.MaxJobAttempts < 1 {
		return fmt.Errorf("max_job_attempts must be at least 1, got %d", cfg.MaxJobAttempts)
	}
	if cfg.MaxConcurrentTxs < 1 {
		return fmt.Errorf("max_concurrent_txs must be at least 1, got %d", cfg.MaxConcurrentTxs)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if cfg.HealthCheck != nil {
		if err := cfg.HealthCheck.Validate(); err != nil {
			return fmt.Errorf("health_check: %w", err)
		}
	}
	return nil
}

// HealthCheckKind selects the protocol used to probe the node.
type HealthCheckKind string

const (
	HealthCheckGRPC    HealthCheckKind = "grpc"
	HealthCheckJSONRPC HealthCheckKind = "jsonrpc"
)

// HealthCheckConfig describes the node the orchestrator depends on.
type HealthCheckConfig struct {
	Kind     HealthCheckKind `koanf:"kind"`
	Endpoint string          `koanf:"endpoint"`
	// Service is the gRPC health service name; empty checks the whole server.
	Service string        `koanf:"service"`
	Timeout time.Duration `koanf:"timeout"`
}

// Validate validates the health check configuration.
func (cfg *HealthCheckConfig) Validate() error {
	switch cfg.Kind {
	case HealthCheckGRPC, HealthCheckJSONRPC:
	default:
		return fmt.Errorf("unsupported kind '%s'", cfg.Kind)
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed endpoint '%s'", cfg.Endpoint)
	}
	return nil
}

// StorageBackend is a storage backend.
type StorageBackend uint

const (
	// BackendPostgres is the PostgreSQL storage backend.
	BackendPostgres StorageBackend = iota
	// BackendInMemory is the in-memory storage backend.
	BackendInMemory
)

// String returns the string representation of a StorageBackend.
func (sb *StorageBackend) String() string {
	switch *sb {
	case BackendPostgres:
		return "postgres"
	case BackendInMemory:
		return "inmemory"
	default:
		panic("config: unsupported storage backend")
	}
}

// Set sets the StorageBackend to the value specified by the provided string.
func (sb *StorageBackend) Set(s string) error {
	switch strings.ToLower(s) {
	case "postgres":
		*sb = BackendPostgres
	case "inmemory":
		*sb = BackendInMemory
	default:
		return fmt.Errorf("config: invalid storage backend: '%s'", s)
	}

	return nil
}

// Type returns the list of supported StorageBackends.
func (sb *StorageBackend) Type() string {
	return "[postgres,inmemory]"
}

// StorageConfig contains the proof store configuration.
type StorageConfig struct {
	// Endpoint is the storage endpoint to which block proofs are published.
	Endpoint string `koanf:"endpoint"`

	// Backend is the storage backend to select.
	Backend string `koanf:"backend"`

	// Migrations is the directory containing schema migrations.
	Migrations string `koanf:"migrations"`

	// If true, we'll first delete all tables in the DB.
	WipeStorage bool `koanf:"DANGER__WIPE_STORAGE_ON_STARTUP"`
}

// Validate validates the storage configuration.
func (cfg *StorageConfig) Validate() error {
	var sb StorageBackend
	if err := sb.Set(cfg.Backend); err != nil {
		return err
	}
	if sb == BackendPostgres {
		if cfg.Endpoint == "" {
			return fmt.Errorf("malformed storage endpoint '%s'", cfg.Endpoint)
		}
		if cfg.Migrations == "" {
			return fmt.Errorf("invalid path to migrations '%s'", cfg.Migrations)
		}
	}
	return nil
}

// ServerConfig contains the admin and job source API configuration.
type ServerConfig struct {
	// Endpoint is the service endpoint from which to serve the API.
	Endpoint string `koanf:"endpoint"`

	// RequestTimeout bounds the time spent serving one request.
	RequestTimeout *time.Duration `koanf:"request_timeout"`

	// CORSAllowedOrigins is passed to the CORS middleware. Empty allows any origin.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
}

// Validate validates the server configuration.
func (cfg *ServerConfig) Validate() error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("malformed server endpoint '%s'", cfg.Endpoint)
	}
	if cfg.RequestTimeout != nil && *cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// AgentConfig configures agents attached to a remote job source.
type AgentConfig struct {
	// SourceURL is the base URL of the orchestrator API.
	SourceURL string `koanf:"source_url"`
	// Prover configures the agents of this process.
	Prover *ProverConfig `koanf:"prover"`
}

// Validate validates the agent configuration.
func (cfg *AgentConfig) Validate() error {
	if cfg.SourceURL == "" {
		return fmt.Errorf("malformed source url '%s'", cfg.SourceURL)
	}
	if cfg.Prover == nil {
		return fmt.Errorf("no prover config provided")
	}
	if err := cfg.Prover.Validate(); err != nil {
		return fmt.Errorf("prover: %w", err)
	}
	return nil
}

// LogConfig contains the logging configuration.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
	File   string `koanf:"file"`
}

// Validate validates the logging configuration.
func (cfg *LogConfig) Validate() error {
	var format log.Format
	if err := format.Set(cfg.Format); err != nil {
		return err
	}
	var level log.Level
	return level.Set(cfg.Level)
}

// MetricsConfig contains the metrics configuration.
type MetricsConfig struct {
	PullEndpoint string `koanf:"pull_endpoint"`

	// PprofEndpoint, if set, serves the Go profiler.
	PprofEndpoint string `koanf:"pprof_endpoint"`
}

// Validate validates the metrics configuration.
func (cfg *MetricsConfig) Validate() error {
	if cfg.PullEndpoint == "" {
		return fmt.Errorf("malformed Prometheus pull endpoint '%s'", cfg.PullEndpoint)
	}
	return nil
}

// InitConfig initializes configuration from file.
func InitConfig(f string) (*Config, error) {
	return initConfig(file.Provider(f))
}

func initConfig(p koanf.Provider) (*Config, error) {
	var config Config
	k := koanf.New(".")

	// Load configuration from the yaml config.
	if err := k.Load(p, yaml.Parser()); err != nil {
		return nil, err
	}

	// Load environment variables and merge into the loaded config.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		// `__` is used as a hierarchy delimiter.
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, err
	}

	// Unmarshal into config.
	if err := k.Unmarshal("", &config); err != nil {
		return nil, err
	}
	config.applyDefaults()

	// Validate config.
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// applyDefaults fills in fields the config file left at their zero value.
func (cfg *Config) applyDefaults() {
	for _, p := range []*ProverConfig{cfg.Prover, cfg.agentProver()} {
		if p != nil && p.ProverAgentPollIntervalMs == 0 {
			p.ProverAgentPollIntervalMs = DefaultProverConfig().ProverAgentPollIntervalMs
		}
	}
	if o := cfg.Orchestrator; o != nil {
		defaults := DefaultOrchestratorConfig()
		if o.MaxJobAttempts == 0 {
			o.MaxJobAttempts = defaults.MaxJobAttempts
		}
		if o.MaxConcurrentTxs == 0 {
			o.MaxConcurrentTxs = defaults.MaxConcurrentTxs
		}
		if o.ShutdownTimeout == 0 {
			o.ShutdownTimeout = defaults.ShutdownTimeout
		}
		if hc := o.HealthCheck; hc != nil && hc.Timeout == 0 {
			hc.Timeout = 5 * time.Second
		}
	}
}

func (cfg *Config) agentProver() *ProverConfig {
	if cfg.Agent == nil {
		return nil
	}
	return cfg.Agent.Prover
}
