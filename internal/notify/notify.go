// Package notify consumes completion events and tells the submitting user how their job ended.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/bulkload/bulkload/internal/broker"
	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/message"
	"github.com/bulkload/bulkload/internal/telemetry"
)

// Sender delivers one message through an external channel.
type Sender interface {
	Send(ctx context.Context, to, subject, body string, html bool) error
}

type Options struct {
	Queue string
	// Attempts bounds delivery tries within one message delivery.
	Attempts int
	// BaseDelay is the wait after the first failed attempt; it doubles after each one.
	BaseDelay time.Duration
	// MaxRedeliveries drops the message once the broker has redelivered it that
	// many times. 0 keeps redelivering.
	MaxRedeliveries int
}

// Worker runs the notification stage.
type Worker struct {
	store   job.Store
	sender  Sender
	opts    Options
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(store job.Store, sender Sender, opts Options, metrics *telemetry.Metrics, logger *slog.Logger) *Worker {
	if opts.Attempts < 1 {
		opts.Attempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Worker{store: store, sender: sender, opts: opts, metrics: metrics, logger: logger, now: time.Now}
}

// Run consumes the notification queue until ctx is done.
func (w *Worker) Run(ctx context.Context, consumer broker.Consumer) error {
	w.logger.Info("notifier started", "queue", w.opts.Queue, "attempts", w.opts.Attempts)
	return consumer.Consume(ctx, w.opts.Queue, w.Handle)
}

func (w *Worker) Handle(ctx context.Context, d broker.Delivery) broker.Disposition {
	disposition := w.handle(ctx, d)
	w.metrics.RecordMessage(ctx, w.opts.Queue, disposition.String())
	return disposition
}

func (w *Worker) handle(ctx context.Context, d broker.Delivery) broker.Disposition {
	ev, err := message.DecodeCompletion(d.Body)
	if err != nil {
		w.logger.Error("dropping malformed completion event", "message_id", d.MessageID, "error", err)
		return broker.Drop
	}
	log := w.logger.With("job_id", ev.JobID, "outcome", ev.Outcome, "redeliveries", d.Redeliveries)

	j, err := w.store.Get(ctx, ev.JobID)
	if err != nil {
		log.Error("load job", "error", err)
		return broker.Requeue
	}
	if j == nil {
		log.Error("dropping completion event for unknown job")
		return broker.Drop
	}
	if j.State == job.StateNotificationSent {
		log.Info("job already notified, skipping")
		return broker.Ack
	}
	if !j.State.CanTransitionTo(job.StateNotificationSent) {
		log.Warn("job not finished yet, requeueing", "state", j.State)
		return broker.Requeue
	}

	email, err := Render(ev, j)
	if err != nil {
		log.Error("dropping unrenderable event", "error", err)
		return broker.Drop
	}

	from := j.State
	if sendErr := w.deliver(ctx, log, email); sendErr != nil {
		j.EmailStatus = job.EmailFailed
		j.EmailError = sendErr.Error()
		if err := w.store.Update(ctx, j, from); err != nil {
			log.Error("record delivery failure", "error", err)
		}
		if w.opts.MaxRedeliveries > 0 && d.Redeliveries >= w.opts.MaxRedeliveries {
			log.Error("notification abandoned after redeliveries", "error", sendErr)
			return broker.Drop
		}
		log.Warn("notification failed, requeueing", "error", sendErr)
		return broker.Requeue
	}

	if j.ProcessingEndedAt == nil {
		ended := ev.FinishedAt.UTC()
		j.ProcessingEndedAt = &ended
	}
	if err := j.Transition(job.StateNotificationSent, w.now()); err != nil {
		log.Error("finalize job", "error", err)
		return broker.Requeue
	}
	j.EmailStatus = job.EmailSent
	j.EmailError = ""
	if err := w.store.Update(ctx, j, from); err != nil {
		if errors.Is(err, job.ErrStateConflict) {
			log.Info("job finalized by another delivery")
			return broker.Ack
		}
		log.Error("persist notification", "error", err)
		return broker.Requeue
	}
	w.metrics.RecordJobState(ctx, string(job.StateNotificationSent))
	log.Info("notification sent", "to", email.To)
	return broker.Ack
}

// deliver sends email with bounded retries. The wait starts at BaseDelay and doubles.
func (w *Worker) deliver(ctx context.Context, log *slog.Logger, email Email) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := w.sender.Send(ctx, email.To, email.Subject, email.Body, true)
		w.metrics.RecordEmailAttempt(ctx, err == nil)
		if err != nil {
			log.Warn("notification attempt failed", "attempt", attempt, "of", w.opts.Attempts, "error", err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.opts.Attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}
