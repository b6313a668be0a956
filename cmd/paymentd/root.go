package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/payflow/internal/config"
	"github.com/example/payflow/pkg/logging"
)

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func newRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "paymentd",
		Short:         "Multi-source payment orchestration and settlement",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = c
			logger = logging.Setup(cfg.Log.Format, cfg.Log.Level).With("env", cfg.Environment)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

// Execute runs the root command.
func Execute(version string) error {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
