package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bulkload/bulkload/internal/config"
	"github.com/bulkload/bulkload/internal/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("bulkload", "error", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg             *config.Config
	logger          *slog.Logger
	shutdownMetrics func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "bulkload",
		Short:         "Bulk product-data ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelInfo,
			})))

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
				Level: cfg.Log.SlogLevel(),
			}))
			slog.SetDefault(a.logger)

			a.shutdownMetrics, err = telemetry.Setup(cfg.Metrics, "bulkload-"+cmd.Name(), os.Stdout)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.shutdownMetrics == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.shutdownMetrics(ctx)
		},
	}

	root.AddCommand(
		newAPICmd(a),
		newIngestCmd(a),
		newNotifyCmd(a),
		newMigrateCmd(a),
		newStandaloneCmd(a),
	)
	return root
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
