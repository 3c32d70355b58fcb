package notify

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"time"

	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/message"
)

//go:embed templates/notification.html
var notificationHTML string

var notificationTmpl = template.Must(template.New("notification").Parse(notificationHTML))

// Email is a rendered notification.
type Email struct {
	To      string
	Subject string
	Body    string
}

// view is the template input. Exactly one of Completed or Rejected is set,
// selected by the event outcome.
type view struct {
	JobID      int64
	FileName   string
	Period     string
	Outcome    message.Outcome
	FinishedAt string
	Completed  *completedView
	Rejected   *rejectedView
}

type completedView struct {
	Processed int
	Inserted  int
	Rejected  int
}

type rejectedView struct {
	Reason string
}

// Render builds the email announcing ev for job j.
func Render(ev message.Completion, j *job.Job) (Email, error) {
	v := view{
		JobID:      ev.JobID,
		FileName:   j.FileName,
		Period:     j.Period,
		Outcome:    ev.Outcome,
		FinishedAt: ev.FinishedAt.UTC().Format(time.DateTime) + " UTC",
	}

	var subject string
	switch ev.Outcome {
	case message.OutcomeCompleted:
		subject = "Bulk load completed"
		v.Completed = &completedView{Processed: ev.Processed, Inserted: ev.Inserted, Rejected: ev.Rejected}
	case message.OutcomeRejected:
		subject = "Bulk load rejected"
		v.Rejected = &rejectedView{Reason: ev.Reason}
	default:
		return Email{}, fmt.Errorf("%w: unknown outcome %q", message.ErrMalformed, ev.Outcome)
	}

	var buf bytes.Buffer
	if err := notificationTmpl.Execute(&buf, v); err != nil {
		return Email{}, fmt.Errorf("render notification: %w", err)
	}
	return Email{To: ev.User, Subject: fmt.Sprintf("%s: %s (%s)", subject, j.FileName, j.Period), Body: buf.String()}, nil
}
