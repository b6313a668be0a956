package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/payflow/internal/payments"
	"github.com/example/payflow/pkg/audit"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the settlement worker only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			h, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer h.close()

			trail := audit.NewTrail(audit.WithLogger(logger))
			w := newWorker(h.store, payments.NewResolver(h.store), trail, cfg, logger)
			return w.Run(ctx)
		},
	}
}
