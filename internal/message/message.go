// Package message defines the payloads exchanged between pipeline stages.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed marks a payload that can never be processed and must be dropped.
var ErrMalformed = errors.New("malformed message")

// Submission is published by the producer once the file is stored.
type Submission struct {
	JobID    int64  `json:"job_id"`
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	User     string `json:"user"`
	Period   string `json:"period"`
}

type Outcome string

const (
	OutcomeCompleted Outcome = "Completed"
	OutcomeRejected  Outcome = "Rejected"
)

// Completion is published by the ingestion worker when a job reaches Completed or Rejected.
// Counts are meaningful for Completed, Reason for Rejected.
type Completion struct {
	JobID      int64     `json:"job_id"`
	User       string    `json:"user"`
	FinishedAt time.Time `json:"finished_at"`
	Outcome    Outcome   `json:"outcome"`
	Processed  int       `json:"processed"`
	Inserted   int       `json:"inserted"`
	Rejected   int       `json:"rejected"`
	Reason     string    `json:"reason,omitempty"`
}

const submissionSchema = `{
	"type": "object",
	"required": ["job_id", "file_id", "file_name", "user", "period"],
	"properties": {
		"job_id":    {"type": "integer", "minimum": 1},
		"file_id":   {"type": "string", "minLength": 1},
		"file_name": {"type": "string", "minLength": 1},
		"user":      {"type": "string", "minLength": 1},
		"period":    {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}$"}
	}
}`

const completionSchema = `{
	"type": "object",
	"required": ["job_id", "user", "finished_at", "outcome"],
	"properties": {
		"job_id":      {"type": "integer", "minimum": 1},
		"user":        {"type": "string", "minLength": 1},
		"finished_at": {"type": "string", "minLength": 1},
		"outcome":     {"enum": ["Completed", "Rejected"]},
		"processed":   {"type": "integer", "minimum": 0},
		"inserted":    {"type": "integer", "minimum": 0},
		"rejected":    {"type": "integer", "minimum": 0},
		"reason":      {"type": "string"}
	},
	"allOf": [
		{
			"if":   {"properties": {"outcome": {"const": "Completed"}}},
			"then": {"required": ["processed", "inserted", "rejected"]}
		},
		{
			"if":   {"properties": {"outcome": {"const": "Rejected"}}},
			"then": {"required": ["reason"], "properties": {"reason": {"minLength": 1}}}
		}
	]
}`

var (
	submissionValidator = jsonschema.MustCompileString("submission.json", submissionSchema)
	completionValidator = jsonschema.MustCompileString("completion.json", completionSchema)
)

// DecodeSubmission validates body against the submission schema before decoding it.
func DecodeSubmission(body []byte) (Submission, error) {
	var s Submission
	if err := decode(body, submissionValidator, &s); err != nil {
		return Submission{}, err
	}
	return s, nil
}

// DecodeCompletion validates body against the completion schema before decoding it.
func DecodeCompletion(body []byte) (Completion, error) {
	var c Completion
	if err := decode(body, completionValidator, &c); err != nil {
		return Completion{}, err
	}
	return c, nil
}

func decode(body []byte, schema *jsonschema.Schema, dst any) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// CompletedEvent builds the event for a job whose rows have landed.
func CompletedEvent(jobID int64, user string, finishedAt time.Time, processed, inserted, rejected int) Completion {
	return Completion{
		JobID:      jobID,
		User:       user,
		FinishedAt: finishedAt.UTC(),
		Outcome:    OutcomeCompleted,
		Processed:  processed,
		Inserted:   inserted,
		Rejected:   rejected,
	}
}

// RejectedEvent builds the event for a job the pipeline refused.
func RejectedEvent(jobID int64, user string, finishedAt time.Time, reason string) Completion {
	return Completion{
		JobID:      jobID,
		User:       user,
		FinishedAt: finishedAt.UTC(),
		Outcome:    OutcomeRejected,
		Reason:     reason,
	}
}
