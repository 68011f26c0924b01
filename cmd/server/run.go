package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sakif/code-sandbox/internal/config"
	"github.com/sakif/code-sandbox/internal/executor"
)

var languageFlag string

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Run one snippet and print its output",
	Long: `Run one snippet through the same pipeline the HTTP service uses and print
its combined output. Reads stdin when the file is "-" or omitted.

Examples:
  server run --language python hello.py
  echo 'console.log(1+1)' | server run -l js`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language id or alias (required)")
	_ = runCmd.MarkFlagRequired("language")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	// stdout carries the program output
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	code, err := readSource(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.coordinator.Execute(cmd.Context(), executor.ExecutionRequest{Language: languageFlag, Code: code})
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	logger.Debug("program exited", slog.Int64("exit_code", res.ExitCode), slog.Duration("duration", res.Duration))
	_, err = io.WriteString(cmd.OutOrStdout(), res.Output)
	return err
}

func readSource(stdin io.Reader, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(b), nil
	}
	b, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(b), nil
}
