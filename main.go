// Package main implements the rollup proof orchestrator.
package main

import (
	"github.com/rollupkit/orchestrator/cmd"
)

func main() {
	cmd.Execute()
}
