package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"field-access-control/internal/app"
	"field-access-control/internal/registry"
	"field-access-control/internal/utils"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the access control server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return ServerMain(ctx)
	},
}

// ServerMain runs the HTTP server and the liveness sweeper until ctx ends.
func ServerMain(ctx context.Context) error {
	slog.Info("Starting field access control server", "version", utils.GetVersion())

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("Failed to close stores", "error", err)
		}
	}()

	if err := a.Bootstrap(ctx, registry.SystemActor); err != nil {
		return err
	}

	// Serve only returns early on a listener failure; the sweeper stops
	// with it.
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Sweeper.Run(sweepCtx)
	}()

	err = app.Serve(ctx, cfg, app.NewEngine(cfg, a.Server()))
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("HTTP server failed", "error", err)
	}

	stopSweeper()
	wg.Wait()
	slog.Info("Server stopped")
	return err
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
