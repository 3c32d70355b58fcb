package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidTransition is returned when a state change is not an edge of the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrStateConflict is returned by Update when the stored state no longer matches
	// the state the caller read, i.e. another writer moved the job first.
	ErrStateConflict = errors.New("job state changed concurrently")
)

type State string

const (
	StateSubmitted        State = "Submitted"
	StateProcessing       State = "Processing"
	StateLoaded           State = "Loaded"
	StateCompleted        State = "Completed"
	StateRejected         State = "Rejected"
	StateNotificationSent State = "NotificationSent"
	StateUploadFailed     State = "UploadFailed"
)

var transitions = map[State][]State{
	StateSubmitted:  {StateProcessing, StateRejected, StateUploadFailed},
	StateProcessing: {StateLoaded, StateRejected},
	StateLoaded:     {StateCompleted},
	StateCompleted:  {StateNotificationSent},
	StateRejected:   {StateNotificationSent},
}

// Rejection reasons recorded on the job when the period guard refuses it.
const (
	ReasonPeriodProcessed = "period already processed"
	ReasonPeriodInFlight  = "period in flight"
)

var (
	// ActiveStates are the states of a job that still owns its period.
	ActiveStates = []State{StateSubmitted, StateProcessing}
	// LandedStates are the states of a job whose data has been persisted.
	LandedStates = []State{StateLoaded, StateCompleted, StateNotificationSent}
)

// CanTransitionTo reports whether next is a forward edge from s.
func (s State) CanTransitionTo(next State) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// IsFinal returns true for states a submission message must not reprocess.
func (s State) IsFinal() bool {
	switch s {
	case StateCompleted, StateRejected, StateNotificationSent, StateUploadFailed:
		return true
	}
	return false
}

// IsTerminal returns true for states with no outgoing edge.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (s State) Valid() bool {
	switch s {
	case StateSubmitted, StateProcessing, StateLoaded, StateCompleted,
		StateRejected, StateNotificationSent, StateUploadFailed:
		return true
	}
	return false
}

type EmailStatus string

const (
	EmailSent   EmailStatus = "Sent"
	EmailFailed EmailStatus = "Failed"
)

type Job struct {
	ID                  int64       `json:"job_id"`
	FileName            string      `json:"file_name"`
	User                string      `json:"user"`
	Period              string      `json:"period"`
	StorageRef          string      `json:"storage_ref,omitempty"`
	State               State       `json:"state"`
	SubmittedAt         time.Time   `json:"submitted_at"`
	ProcessingStartedAt *time.Time  `json:"processing_started_at,omitempty"`
	ProcessingEndedAt   *time.Time  `json:"processing_ended_at,omitempty"`
	NotifiedAt          *time.Time  `json:"notified_at,omitempty"`
	TotalRows           int         `json:"total_rows"`
	ProcessedRows       int         `json:"processed_rows"`
	AcceptedRows        int         `json:"accepted_rows"`
	RejectedRows        int         `json:"rejected_rows"`
	ErrorMessage        string      `json:"error_message,omitempty"`
	EmailStatus         EmailStatus `json:"email_status,omitempty"`
	EmailError          string      `json:"email_error,omitempty"`
}

// Transition moves the job along one edge of the lifecycle graph and stamps
// the lifecycle timestamp that belongs to the target state.
func (j *Job) Transition(to State, now time.Time) error {
	if !j.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.State, to)
	}
	j.State = to

	now = now.UTC()
	switch to {
	case StateProcessing:
		j.ProcessingStartedAt = &now
		j.ProcessingEndedAt = nil
	case StateCompleted, StateRejected:
		if j.ProcessingEndedAt == nil {
			j.ProcessingEndedAt = &now
		}
	case StateNotificationSent:
		j.NotifiedAt = &now
	}
	return nil
}

// Reject moves the job to Rejected and records why.
func (j *Job) Reject(reason string, now time.Time) error {
	if err := j.Transition(StateRejected, now); err != nil {
		return err
	}
	j.ErrorMessage = reason
	return nil
}

// ResetCounters starts a fresh processing pass.
func (j *Job) ResetCounters() {
	j.TotalRows = 0
	j.ProcessedRows = 0
	j.AcceptedRows = 0
	j.RejectedRows = 0
}

// Product is an accepted row. Code is unique across all jobs.
type Product struct {
	ID          int64               `json:"id"`
	JobID       int64               `json:"job_id"`
	Period      string              `json:"period"`
	Code        string              `json:"code"`
	Name        string              `json:"name"`
	Price       decimal.NullDecimal `json:"price"`
	Category    string              `json:"category"`
	Stock       *int64              `json:"stock"`
	Supplier    string              `json:"supplier"`
	Description string              `json:"description"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Failure is a rejected row kept as an insert-only audit record.
type Failure struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	Position  int             `json:"position"`
	Reason    string          `json:"reason"`
	Raw       json.RawMessage `json:"raw"`
	CreatedAt time.Time       `json:"created_at"`
}
