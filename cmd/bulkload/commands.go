package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/bulkload/bulkload/internal/api"
	"github.com/bulkload/bulkload/internal/broker"
	"github.com/bulkload/bulkload/internal/db"
	"github.com/bulkload/bulkload/internal/ingest"
	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/mail"
	"github.com/bulkload/bulkload/internal/notify"
	"github.com/bulkload/bulkload/internal/storage"
	"github.com/bulkload/bulkload/internal/telemetry"
	"github.com/bulkload/bulkload/internal/upload"
	"github.com/bulkload/bulkload/internal/webhook"
)

func newAPICmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the upload and job status HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireAPIKeys(); err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, err := db.Open(ctx, a.cfg.DB, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			bus, err := a.dialBroker()
			if err != nil {
				return err
			}
			defer bus.Close()

			objects := storage.NewSeaweedFS(a.cfg.Storage.MasterURL, a.cfg.Storage.Timeout, a.logger)
			return a.serveAPI(ctx, store, objects, bus, telemetry.NewMetrics(nil))
		},
	}
}

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run the ingestion worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, err := db.Open(ctx, a.cfg.DB, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			bus, err := a.dialBroker()
			if err != nil {
				return err
			}
			defer bus.Close()

			objects := storage.NewSeaweedFS(a.cfg.Storage.MasterURL, a.cfg.Storage.Timeout, a.logger)
			w := ingest.New(store, objects, bus, a.queues(), telemetry.NewMetrics(nil), a.logger)
			return w.Run(ctx, bus)
		},
	}
}

func newNotifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Run the notification worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, err := db.Open(ctx, a.cfg.DB, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			bus, err := a.dialBroker()
			if err != nil {
				return err
			}
			defer bus.Close()

			w, err := a.notifier(store, telemetry.NewMetrics(nil))
			if err != nil {
				return err
			}
			return w.Run(ctx, bus)
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.DB.Driver != "postgres" {
				a.logger.Info("sqlite creates its schema on open, nothing to migrate", "driver", a.cfg.DB.Driver)
				return nil
			}
			return db.Migrate(a.cfg.DB.DSN, a.logger)
		},
	}
}

func newStandaloneCmd(a *app) *cobra.Command {
	var queueSize int
	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run the API and both workers in one process over an in-process broker",
		Long: "Runs every stage in one process. Messages travel through an in-process broker,\n" +
			"so submissions still queued when the process stops are lost.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequireAPIKeys(); err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			store, err := db.Open(ctx, a.cfg.DB, a.logger)
			if err != nil {
				return err
			}
			defer store.Close()

			bus := broker.NewMemory(queueSize, a.logger)
			objects := storage.NewSeaweedFS(a.cfg.Storage.MasterURL, a.cfg.Storage.Timeout, a.logger)
			metrics := telemetry.NewMetrics(nil)
			notifier, err := a.notifier(store, metrics)
			if err != nil {
				return err
			}
			ingester := ingest.New(store, objects, bus, a.queues(), metrics, a.logger)

			return runAll(ctx,
				func(ctx context.Context) error { return a.serveAPI(ctx, store, objects, bus, metrics) },
				func(ctx context.Context) error { return ingester.Run(ctx, bus) },
				func(ctx context.Context) error { return notifier.Run(ctx, bus) },
			)
		},
	}
	cmd.Flags().IntVar(&queueSize, "queue-size", 1000, "capacity of each in-process queue")
	return cmd
}

func (a *app) dialBroker() (*broker.AMQP, error) {
	bus, err := broker.DialAMQP(broker.AMQPOptions{
		URL:            a.cfg.AMQP.URL,
		Exchange:       a.cfg.AMQP.Exchange,
		Prefetch:       a.cfg.AMQP.Prefetch,
		ConnectionName: "bulkload",
	}, a.logger)
	if err != nil {
		return nil, err
	}
	if err := bus.Declare(a.cfg.AMQP.SubmissionQueue, a.cfg.AMQP.NotificationQueue); err != nil {
		bus.Close()
		return nil, err
	}
	return bus, nil
}

func (a *app) queues() ingest.Queues {
	return ingest.Queues{
		Submissions:   a.cfg.AMQP.SubmissionQueue,
		Notifications: a.cfg.AMQP.NotificationQueue,
	}
}

// notifier builds the notification worker on the configured channel.
func (a *app) notifier(store job.Store, metrics *telemetry.Metrics) (*notify.Worker, error) {
	var sender notify.Sender
	switch a.cfg.Notify.Channel {
	case "webhook":
		s, err := webhook.New(a.cfg.Notify.WebhookURL, a.cfg.Notify.WebhookAllowPrivate, a.logger)
		if err != nil {
			return nil, err
		}
		sender = s
	default:
		s, err := mail.NewSMTP(a.cfg.SMTP, a.logger)
		if err != nil {
			return nil, err
		}
		sender = s
	}

	return notify.New(store, sender, notify.Options{
		Queue:           a.cfg.AMQP.NotificationQueue,
		Attempts:        a.cfg.Notify.Attempts,
		BaseDelay:       a.cfg.Notify.BaseDelay,
		MaxRedeliveries: a.cfg.Notify.MaxRedeliveries,
	}, metrics, a.logger), nil
}

// serveAPI runs the HTTP server until ctx is done, then shuts it down gracefully.
func (a *app) serveAPI(ctx context.Context, store job.Store, objects storage.ObjectStore, pub broker.Publisher, metrics *telemetry.Metrics) error {
	producer := upload.New(store, objects, pub, upload.Options{
		Queue:      a.cfg.AMQP.SubmissionQueue,
		MaxBytes:   a.cfg.Upload.MaxBytes,
		Extensions: a.cfg.Upload.Extensions,
	}, metrics, a.logger)
	h := api.NewHandler(store, producer, a.cfg.Upload.MaxBytes, a.logger)

	handler := api.Chain(h.Router(),
		api.CORS(a.cfg.HTTP.CORSOrigins),
		api.RequestID,
		api.Logging(a.logger),
		api.Auth(a.cfg.HTTP.APIKeys),
		api.RateLimit(ctx, a.cfg.HTTP.RateLimit),
	)

	srv := &http.Server{
		Addr:        a.cfg.HTTP.ListenAddr,
		Handler:     handler,
		ReadTimeout: 2 * time.Minute,
		// No WriteTimeout: the events stream stays open until the job finishes.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("bulkload listening", "addr", a.cfg.HTTP.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}

// runAll runs every fn until ctx is done or one of them fails, which stops the rest.
func runAll(ctx context.Context, fns ...func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for _, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				once.Do(func() { first = err })
				cancel()
			}
		}()
	}
	wg.Wait()
	return first
}
