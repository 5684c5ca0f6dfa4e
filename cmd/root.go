// Package cmd implements commands for the orchestrator executable.
package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rollupkit/orchestrator/cmd/agent"
	cmdCommon "github.com/rollupkit/orchestrator/cmd/common"
	"github.com/rollupkit/orchestrator/cmd/serve"
	"github.com/rollupkit/orchestrator/log"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Rollup proof orchestrator",
}

// Execute spawns the main entry point.
func Execute() {
	// Debug hook. If we receive SIGUSR1, dump all goroutines.
	go dumpGoroutinesOnSignal(syscall.SIGUSR1)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cmdCommon.RegisterLogFlags(rootCmd.PersistentFlags())
	for _, f := range []func(*cobra.Command){
		serve.Register,
		agent.Register,
	} {
		f(rootCmd)
	}
}

// Starts listening for the specified signals, and logs a dump of all
// goroutines when the process receives one of those signals.
func dumpGoroutinesOnSignal(signals ...os.Signal) {
	logger := log.NewDefaultLogger("toplevel")
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	for range c {
		b := bytes.NewBufferString("")
		_ = pprof.Lookup("goroutine").WriteTo(b, 1)
		logger.Warn("USER-REQUESTED DUMP: all goroutines", "goroutines_all", b.String())

		b = bytes.NewBufferString("")
		_ = pprof.Lookup("mutex").WriteTo(b, 1)
		logger.Warn("USER-REQUESTED DUMP: stack traces of holders of contended mutexes", "goroutines_mutex", b.String())
	}
}
