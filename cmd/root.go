// Package cmd wires the single cobra command this tool exposes: run a
// backup pass against one settings file.
package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"sfReplicaBackup/internal/config"
	"sfReplicaBackup/internal/logger"
	"sfReplicaBackup/internal/orchestrator"
)

var settingsFile string

var rootCmd = &cobra.Command{
	Use:   "sfreplicabackup",
	Short: "Discovers, rotates, and promotes MySQL backups according to a settings file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), settingsFile)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&settingsFile, "settings-file", "s", "", "path to the INI settings file (required)")
	rootCmd.MarkFlagRequired("settings-file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func run(ctx context.Context, settingsFile string) error {
	cfg, err := config.Load(settingsFile)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	runID := uuid.New().String()[:6]
	lg, err := logger.New(cfg.Logging, runID)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	orch, err := orchestrator.New(settingsFile, cfg, lg)
	if err != nil {
		lg.Error("failed to initialize orchestrator", logger.Error(err))
		return err
	}
	defer orch.Close()

	if err := orch.Run(ctx); err != nil {
		lg.Error("backup run failed", logger.Error(err))
		return err
	}
	return nil
}
