// Package upload registers new jobs: it stores the file and hands the job to the ingestion stage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bulkload/bulkload/internal/broker"
	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/message"
	"github.com/bulkload/bulkload/internal/storage"
	"github.com/bulkload/bulkload/internal/telemetry"
)

// ErrInvalidRequest wraps every validation failure of a Request.
var ErrInvalidRequest = errors.New("invalid upload request")

// Request is one file submitted by a user for a reporting period.
type Request struct {
	FileName string
	Size     int64
	Body     io.Reader
	User     string
	Period   string
}

type Options struct {
	Queue      string
	MaxBytes   int64
	Extensions []string
}

// Producer is the first stage of the pipeline.
type Producer struct {
	store   job.Store
	objects storage.ObjectStore
	pub     broker.Publisher
	opts    Options
	metrics *telemetry.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(store job.Store, objects storage.ObjectStore, pub broker.Publisher, opts Options, metrics *telemetry.Metrics, logger *slog.Logger) *Producer {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".xlsx", ".csv"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &Producer{store: store, objects: objects, pub: pub, opts: opts, metrics: metrics, logger: logger, now: time.Now}
}

// Validate checks req without side effects.
func (p *Producer) Validate(req Request) error {
	if req.Body == nil || strings.TrimSpace(req.FileName) == "" {
		return fmt.Errorf("%w: file is required", ErrInvalidRequest)
	}
	if req.Size <= 0 {
		return fmt.Errorf("%w: file is empty", ErrInvalidRequest)
	}
	if req.Size > p.opts.MaxBytes {
		return fmt.Errorf("%w: file exceeds %d MB", ErrInvalidRequest, p.opts.MaxBytes>>20)
	}
	ext := strings.ToLower(filepath.Ext(req.FileName))
	if !slices.Contains(p.opts.Extensions, ext) {
		return fmt.Errorf("%w: only %s files are accepted", ErrInvalidRequest, strings.Join(p.opts.Extensions, ", "))
	}
	if _, err := mail.ParseAddress(req.User); err != nil {
		return fmt.Errorf("%w: user must be an email address", ErrInvalidRequest)
	}
	if _, err := time.Parse("2006-01", req.Period); err != nil || len(req.Period) != len("2006-01") {
		return fmt.Errorf("%w: period must be formatted YYYY-MM", ErrInvalidRequest)
	}
	return nil
}

// Submit registers the job, stores the file and publishes the submission.
// When storing or publishing fails the job is left UploadFailed and returned
// together with the error.
func (p *Producer) Submit(ctx context.Context, req Request) (*job.Job, error) {
	if err := p.Validate(req); err != nil {
		p.metrics.RecordUpload(ctx, "invalid")
		return nil, err
	}

	j := &job.Job{
		FileName:    filepath.Base(req.FileName),
		User:        req.User,
		Period:      req.Period,
		State:       job.StateSubmitted,
		SubmittedAt: p.now().UTC(),
	}
	if err := p.store.Create(ctx, j); err != nil {
		p.metrics.RecordUpload(ctx, "failed")
		return nil, fmt.Errorf("register job: %w", err)
	}
	log := p.logger.With("job_id", j.ID, "period", j.Period, "user", j.User)
	log.Info("job registered", "file_name", j.FileName)

	ref, err := p.objects.Upload(ctx, j.FileName, req.Body)
	if err != nil {
		return j, p.abort(ctx, log, j, fmt.Errorf("store file: %w", err))
	}
	j.StorageRef = ref
	if err := p.store.Update(ctx, j, job.StateSubmitted); err != nil {
		p.discard(ctx, log, ref)
		return j, p.abort(ctx, log, j, fmt.Errorf("record storage ref: %w", err))
	}

	body, err := message.Encode(message.Submission{
		JobID:    j.ID,
		FileID:   ref,
		FileName: j.FileName,
		User:     j.User,
		Period:   j.Period,
	})
	if err == nil {
		err = p.pub.Publish(ctx, p.opts.Queue, body)
	}
	if err != nil {
		p.discard(ctx, log, ref)
		return j, p.abort(ctx, log, j, fmt.Errorf("publish submission: %w", err))
	}

	p.metrics.RecordUpload(ctx, "accepted")
	log.Info("submission published", "file_id", ref)
	return j, nil
}

// abort marks the job UploadFailed and returns cause.
func (p *Producer) abort(ctx context.Context, log *slog.Logger, j *job.Job, cause error) error {
	p.metrics.RecordUpload(ctx, "failed")
	log.Error("upload failed", "error", cause)

	if err := j.Transition(job.StateUploadFailed, p.now()); err != nil {
		return errors.Join(cause, err)
	}
	j.ErrorMessage = cause.Error()
	if err := p.store.Update(ctx, j, job.StateSubmitted); err != nil {
		log.Error("mark job upload failed", "error", err)
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Producer) discard(ctx context.Context, log *slog.Logger, ref string) {
	if err := p.objects.Delete(ctx, ref); err != nil {
		log.Warn("discard stored file", "file_id", ref, "error", err)
	}
}
