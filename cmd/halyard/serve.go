package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/halyard-io/halyard/internal/kernel"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		k, err := kernel.Init(ctx, settings)
		if err != nil {
			return classifyInit(err)
		}
		if err := k.Serve(ctx); err != nil {
			return exitWith(exitInfra, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
