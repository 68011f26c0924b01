// Command server runs the code sandbox service and its operator tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Sandboxed code execution service",
	Long: `Runs untrusted source code in short-lived, locked-down Docker containers.

POST {"language", "code"} to /api/execute and get {"output"} back.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a YAML config file (default ./sandbox.yaml or $SANDBOX_CONFIG)")
}

func main() {
	// cancels in-flight executions and stops the server
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
