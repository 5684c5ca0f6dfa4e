package executor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/prover/job"
)

// writeScript writes an executable shell script into dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestExecutor(t *testing.T, acvmBody, bbBody string) (*BinaryExecutor, config.ProverConfig) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}
	bin := t.TempDir()
	cfg := config.ProverConfig{
		AcvmWorkingDirectory:      t.TempDir(),
		AcvmBinaryPath:            writeScript(t, bin, "acvm", acvmBody),
		BbWorkingDirectory:        t.TempDir(),
		BbBinaryPath:              writeScript(t, bin, "bb", bbBody),
		ProverAgents:              1,
		RealProofs:                true,
		ProverAgentPollIntervalMs: 10,
	}
	return NewBinaryExecutor(cfg, log.NewDefaultLogger("test")), cfg
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "job directories are removed")
}

func TestBinaryExecutorSuccess(t *testing.T) {
	// acvm copies its input into the witness; bb prefixes the witness with the circuit name.
	acvm := `[ "$1" = execute ] || exit 2
cp "$5" "$7"
echo "witness done" >&2
`
	bb := `[ "$1" = prove ] || exit 2
printf '%s:' "$3" > "$7"
cat "$5" >> "$7"
`
	e, cfg := newTestExecutor(t, acvm, bb)

	j := job.New(job.KindBaseRollup, 1, []byte("circuit-input"))
	proof, err := e.Execute(context.Background(), &j)
	require.NoError(t, err)
	require.Equal(t, "base-rollup:circuit-input", string(proof))

	requireEmptyDir(t, cfg.AcvmWorkingDirectory)
	requireEmptyDir(t, cfg.BbWorkingDirectory)
}

func TestBinaryExecutorNonZeroExit(t *testing.T) {
	e, cfg := newTestExecutor(t, "echo 'constraint failed' >&2\nexit 3\n", "exit 0\n")

	j := job.New(job.KindPublicKernelRevertible, 1, nil)
	_, err := e.Execute(context.Background(), &j)
	require.ErrorContains(t, err, "witness generation")
	require.ErrorContains(t, err, "exited with code 3")
	requireEmptyDir(t, cfg.AcvmWorkingDirectory)
}

func TestBinaryExecutorMissingProof(t *testing.T) {
	e, _ := newTestExecutor(t, "exit 0\n", "exit 0\n")

	j := job.New(job.KindRootRollup, 1, nil)
	_, err := e.Execute(context.Background(), &j)
	require.ErrorContains(t, err, "reading proof")
}

func TestBinaryExecutorEmptyProof(t *testing.T) {
	e, _ := newTestExecutor(t, "exit 0\n", `: > "$7"`+"\n")

	j := job.New(job.KindRootRollup, 1, nil)
	_, err := e.Execute(context.Background(), &j)
	require.ErrorIs(t, err, ErrEmptyProof)
}

func TestStubExecutor(t *testing.T) {
	j := job.New(job.KindBaseRollup, 1, []byte("ignored"))
	proof, err := StubExecutor{}.Execute(context.Background(), &j)
	require.NoError(t, err)
	require.Empty(t, proof)
	require.NotNil(t, proof)
}
