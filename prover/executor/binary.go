package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rollupkit/orchestrator/common"
	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/prover/job"
)

const (
	inputFile   = "input.bin"
	witnessFile = "witness.gz"
	proofFile   = "proof"
)

// ErrEmptyProof is returned when the prover exits cleanly without writing a proof.
var ErrEmptyProof = errors.New("prover produced no proof")

// BinaryExecutor generates a witness with the acvm binary and then proves it
// with the bb binary. Each job works in its own directories, named after the
// job id, which are removed once the job is done.
type BinaryExecutor struct {
	cfg    config.ProverConfig
	logger *log.Logger
}

var _ Executor = (*BinaryExecutor)(nil)

// NewBinaryExecutor returns an executor running the binaries of cfg.
func NewBinaryExecutor(cfg config.ProverConfig, logger *log.Logger) *BinaryExecutor {
	return &BinaryExecutor{
		cfg:    cfg,
		logger: logger.WithModule("binary_executor"),
	}
}

// Execute implements Executor.
func (e *BinaryExecutor) Execute(ctx context.Context, j *job.Job) ([]byte, error) {
	logger := e.logger.With("job_id", j.ID, "kind", j.Kind)

	acvmDir := filepath.Join(e.cfg.AcvmWorkingDirectory, j.ID.String())
	if err := os.MkdirAll(acvmDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating witness directory: %w", err)
	}
	defer e.removeAll(acvmDir)
	if err := os.WriteFile(filepath.Join(acvmDir, inputFile), j.Input, 0o600); err != nil {
		return nil, fmt.Errorf("writing circuit input: %w", err)
	}
	if err := e.run(ctx, logger, acvmDir, e.cfg.AcvmBinaryPath,
		"execute",
		"--circuit", string(j.Kind),
		"--input", inputFile,
		"--output", witnessFile,
	); err != nil {
		return nil, fmt.Errorf("witness generation: %w", err)
	}

	bbDir := filepath.Join(e.cfg.BbWorkingDirectory, j.ID.String())
	if err := os.MkdirAll(bbDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating proof directory: %w", err)
	}
	defer e.removeAll(bbDir)
	if err := e.run(ctx, logger, bbDir, e.cfg.BbBinaryPath,
		"prove",
		"--circuit", string(j.Kind),
		"--witness", filepath.Join(acvmDir, witnessFile),
		"--output", proofFile,
	); err != nil {
		return nil, fmt.Errorf("proving: %w", err)
	}

	proof, err := os.ReadFile(filepath.Join(bbDir, proofFile))
	if err != nil {
		return nil, fmt.Errorf("reading proof: %w", err)
	}
	if len(proof) == 0 {
		return nil, ErrEmptyProof
	}
	return proof, nil
}

func (e *BinaryExecutor) run(ctx context.Context, logger *log.Logger, dir string, binary string, args ...string) error {
	stderr := log.WriterIntoLoggerAt(logger, log.LevelInfo, "binary", filepath.Base(binary))
	defer common.CloseOrLog(stderr, logger)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.Stderr = stderr
	logger.Debug("running proving binary", "binary", binary, "args", args, "dir", dir)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d", filepath.Base(binary), exitErr.ExitCode())
		}
		return fmt.Errorf("running %s: %w", binary, err)
	}
	return nil
}

func (e *BinaryExecutor) removeAll(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("failed to remove job directory", "dir", dir, "err", err)
	}
}
