// Package ingest consumes submission messages and lands the rows of each file.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bulkload/bulkload/internal/broker"
	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/message"
	"github.com/bulkload/bulkload/internal/sheet"
	"github.com/bulkload/bulkload/internal/storage"
	"github.com/bulkload/bulkload/internal/telemetry"
	"github.com/bulkload/bulkload/internal/validate"
)

// Queues names the queue the worker consumes and the one it publishes completion events to.
type Queues struct {
	Submissions   string
	Notifications string
}

// Worker runs the ingestion stage for one submission at a time.
type Worker struct {
	store   job.Store
	objects storage.ObjectStore
	pub     broker.Publisher
	queues  Queues
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(store job.Store, objects storage.ObjectStore, pub broker.Publisher, queues Queues, metrics *telemetry.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Worker{
		store:   store,
		objects: objects,
		pub:     pub,
		queues:  queues,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Run consumes the submission queue until ctx is done.
func (w *Worker) Run(ctx context.Context, consumer broker.Consumer) error {
	w.logger.Info("ingestion worker started", "queue", w.queues.Submissions)
	return consumer.Consume(ctx, w.queues.Submissions, w.Handle)
}

// Handle processes one submission message end to end. The disposition is
// only returned once the matching state transition is persisted.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) broker.Disposition {
	disposition := w.handle(ctx, d)
	w.metrics.RecordMessage(ctx, w.queues.Submissions, disposition.String())
	return disposition
}

func (w *Worker) handle(ctx context.Context, d broker.Delivery) broker.Disposition {
	sub, err := message.DecodeSubmission(d.Body)
	if err != nil {
		w.logger.Error("dropping malformed submission", "message_id", d.MessageID, "error", err)
		return broker.Drop
	}
	log := w.logger.With("job_id", sub.JobID, "period", sub.Period, "redeliveries", d.Redeliveries)

	j, err := w.store.Get(ctx, sub.JobID)
	if err != nil {
		log.Error("load job", "error", err)
		return broker.Requeue
	}
	if j == nil {
		log.Error("dropping submission for unknown job")
		return broker.Drop
	}
	if j.State.IsFinal() {
		return w.finished(ctx, log, j, d)
	}

	// A crash after the rows landed leaves the job Loaded; finish it without reparsing.
	if j.State == job.StateLoaded {
		if err := w.complete(ctx, log, j); err != nil {
			return w.fail(ctx, log, sub.JobID, err)
		}
		return broker.Ack
	}

	if err := w.process(ctx, log, j, sub); err != nil {
		return w.fail(ctx, log, sub.JobID, err)
	}
	return broker.Ack
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, j *job.Job, sub message.Submission) error {
	reason, err := w.guard(ctx, j)
	if err != nil {
		return fmt.Errorf("period guard: %w", err)
	}
	if reason != "" {
		log.Warn("job rejected by period guard", "reason", reason)
		w.metrics.RecordJobState(ctx, string(job.StateRejected))
		return w.publish(ctx, log, w.completion(j))
	}
	w.metrics.RecordJobState(ctx, string(job.StateProcessing))
	log.Info("job processing", "storage_ref", j.StorageRef)

	rows, err := w.read(ctx, j, sub)
	if err != nil {
		log.Error("file unreadable", "error", err)
		return w.reject(ctx, log, j, err.Error())
	}

	v := validate.New(j.ID, j.Period, w.store)
	var (
		products []job.Product
		failures []job.Failure
	)
	for _, row := range rows {
		res, err := v.Validate(ctx, row)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		if res.Accepted() {
			products = append(products, *res.Product)
		} else {
			failures = append(failures, *res.Failure)
		}
		j.ProcessedRows++
	}
	j.TotalRows = len(rows)
	j.AcceptedRows = len(products)
	j.RejectedRows = len(failures)

	err = w.store.WithTx(ctx, func(tx job.Store) error {
		if err := tx.InsertProducts(ctx, products); err != nil {
			return err
		}
		if err := tx.InsertFailures(ctx, failures); err != nil {
			return err
		}
		if err := j.Transition(job.StateLoaded, w.now()); err != nil {
			return err
		}
		return tx.Update(ctx, j, job.StateProcessing)
	})
	if err != nil {
		return fmt.Errorf("persist rows: %w", err)
	}
	w.metrics.RecordRows(ctx, len(products), len(failures))
	log.Info("rows loaded", "total", j.TotalRows, "accepted", j.AcceptedRows, "rejected", j.RejectedRows)

	return w.complete(ctx, log, j)
}

// guard runs the duplicate-period check and the resulting transition as one
// transaction. It returns the rejection reason, or "" when the job is now Processing.
func (w *Worker) guard(ctx context.Context, j *job.Job) (string, error) {
	var reason string
	err := w.store.WithTx(ctx, func(tx job.Store) error {
		if err := tx.LockPeriod(ctx, j.Period); err != nil {
			return err
		}
		current, err := tx.Get(ctx, j.ID)
		if err != nil {
			return err
		}
		if current == nil || current.State != j.State {
			return job.ErrStateConflict
		}

		landed, err := tx.ExistsByPeriodAndState(ctx, j.Period, job.LandedStates, j.ID)
		if err != nil {
			return err
		}
		if landed {
			reason = job.ReasonPeriodProcessed
		} else {
			active, err := w.periodInFlight(ctx, tx, j)
			if err != nil {
				return err
			}
			if active {
				reason = job.ReasonPeriodInFlight
			}
		}

		from := current.State
		now := w.now()
		if reason != "" {
			if err := j.Reject(reason, now); err != nil {
				return err
			}
			return tx.Update(ctx, j, from)
		}

		j.ResetCounters()
		j.ErrorMessage = ""
		if from == job.StateProcessing {
			// Redelivered mid-pass: nothing landed, so start the pass over.
			started := now.UTC()
			j.ProcessingStartedAt = &started
		} else if err := j.Transition(job.StateProcessing, now); err != nil {
			return err
		}
		return tx.Update(ctx, j, from)
	})
	if err != nil {
		return "", err
	}
	return reason, nil
}

// periodInFlight reports whether another job owns the period: one that is
// already Processing, or one still Submitted that was registered first.
// Later Submitted jobs do not count, so the first submission of a period wins.
func (w *Worker) periodInFlight(ctx context.Context, tx job.Store, j *job.Job) (bool, error) {
	processing, err := tx.ExistsByPeriodAndState(ctx, j.Period, []job.State{job.StateProcessing}, j.ID)
	if err != nil || processing {
		return processing, err
	}
	return tx.ExistsEarlierByPeriodAndState(ctx, j.Period, []job.State{job.StateSubmitted}, j.ID)
}

// read fetches the file the job points at. The message's file id is only
// used for jobs registered before the storage reference was recorded.
func (w *Worker) read(ctx context.Context, j *job.Job, sub message.Submission) ([]sheet.Row, error) {
	ref := j.StorageRef
	if ref == "" {
		ref = sub.FileID
	}
	body, err := w.objects.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("file fetch failed: %w", err)
	}
	defer body.Close()

	rows, err := sheet.Parse(sub.FileName, body)
	if err != nil {
		return nil, fmt.Errorf("file parse failed: %w", err)
	}
	return rows, nil
}

// complete moves a Loaded job to Completed and announces it.
func (w *Worker) complete(ctx context.Context, log *slog.Logger, j *job.Job) error {
	if err := j.Transition(job.StateCompleted, w.now()); err != nil {
		return err
	}
	if err := w.store.Update(ctx, j, job.StateLoaded); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	w.metrics.RecordJobState(ctx, string(job.StateCompleted))
	log.Info("job completed", "processed", j.ProcessedRows, "accepted", j.AcceptedRows, "rejected", j.RejectedRows)

	return w.publish(ctx, log, w.completion(j))
}

// reject records reason on a Processing job and announces the rejection.
func (w *Worker) reject(ctx context.Context, log *slog.Logger, j *job.Job, reason string) error {
	from := j.State
	if err := j.Reject(reason, w.now()); err != nil {
		return err
	}
	if err := w.store.Update(ctx, j, from); err != nil {
		return fmt.Errorf("reject job: %w", err)
	}
	w.metrics.RecordJobState(ctx, string(job.StateRejected))
	log.Warn("job rejected", "reason", reason)

	return w.publish(ctx, log, w.completion(j))
}

// finished short-circuits a delivery for a job that is already final. A
// redelivered message for a Completed or Rejected job may follow a failed
// publish, so its completion event is sent again; the notifier skips jobs it
// already handled.
func (w *Worker) finished(ctx context.Context, log *slog.Logger, j *job.Job, d broker.Delivery) broker.Disposition {
	if d.Redeliveries == 0 || (j.State != job.StateCompleted && j.State != job.StateRejected) {
		log.Info("job already finished, skipping", "state", j.State)
		return broker.Ack
	}
	if err := w.publish(ctx, log, w.completion(j)); err != nil {
		log.Error("republish completion event", "error", err)
		return broker.Requeue
	}
	return broker.Ack
}

// completion builds the event announcing a Completed or Rejected job.
func (w *Worker) completion(j *job.Job) message.Completion {
	if j.State == job.StateRejected {
		return message.RejectedEvent(j.ID, j.User, w.endedAt(j), j.ErrorMessage)
	}
	return message.CompletedEvent(j.ID, j.User, w.endedAt(j), j.ProcessedRows, j.AcceptedRows, j.RejectedRows)
}

// publish sends a completion event. A failure is returned so the submission
// is requeued rather than acknowledged.
func (w *Worker) publish(ctx context.Context, log *slog.Logger, event message.Completion) error {
	body, err := message.Encode(event)
	if err != nil {
		return fmt.Errorf("encode completion event: %w", err)
	}
	if err := w.pub.Publish(ctx, w.queues.Notifications, body); err != nil {
		return fmt.Errorf("publish completion event: %w", err)
	}
	log.Info("completion event published", "outcome", event.Outcome)
	return nil
}

// fail handles an unexpected error. Unless another attempt moved the job
// first, the job is rejected on a best-effort basis; the message is always
// requeued so the redelivery observes whatever state was persisted.
func (w *Worker) fail(ctx context.Context, log *slog.Logger, jobID int64, cause error) broker.Disposition {
	log.Error("ingestion failed", "error", cause)
	if errors.Is(cause, job.ErrStateConflict) {
		return broker.Requeue
	}

	j, err := w.store.Get(ctx, jobID)
	if err != nil || j == nil || !j.State.CanTransitionTo(job.StateRejected) {
		return broker.Requeue
	}
	if err := w.reject(ctx, log, j, "unexpected error: "+cause.Error()); err != nil {
		log.Error("reject after failure", "error", err)
	}
	return broker.Requeue
}

func (w *Worker) endedAt(j *job.Job) time.Time {
	if j.ProcessingEndedAt != nil {
		return *j.ProcessingEndedAt
	}
	return w.now()
}
