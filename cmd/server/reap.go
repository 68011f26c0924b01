package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/code-sandbox/internal/config"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove leaked sandbox containers and workspaces",
	Long: `Force-remove every container labeled as managed by this service and delete
every directory under the workspace root. Run it only while no server is
executing code against the same daemon and workspace root.`,
	Args: cobra.NoArgs,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	containers, workspaces := rt.cleanup(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d containers and %d workspaces\n", containers, workspaces)
	return nil
}
