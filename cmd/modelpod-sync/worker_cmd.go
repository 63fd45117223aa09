package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "worker", Short: "Run the download worker"}
	cmd.AddCommand(newWorkerRunCmd())
	return cmd
}

// newWorkerRunCmd starts the in-process Download Worker supervisor,
// exiting once it drains on the global-stop sentinel, the queue empties
// past its idle-check budget, or the process receives SIGINT/SIGTERM.
func newWorkerRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the Download Worker until it drains or is signalled to stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), "upload")
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.worker.Run(ctx)
		},
	}
}
