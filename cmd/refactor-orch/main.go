// Package main is the refactor-orch CLI entry point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "refactor-orch",
		Short: "Automated whole-repository refactoring orchestrator",
		Long: `refactor-orch drives an external agent CLI through small,
verifiable code changes in an isolated git worktree, with checkpointing,
rollback, and a durable audit ledger.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: the nearest .refactor-orch.toml in the current directory or its parents, not in <repo>)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}
