package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and stored procedures",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			h, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer h.close()

			if err := h.store.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migration complete", "driver", cfg.Database.Driver)
			return nil
		},
	}
}
