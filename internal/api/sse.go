package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bulkload/bulkload/internal/job"
)

// StreamEvents handles GET /api/v1/jobs/{id}/events.
// It emits a "status" event each time the job's state or row counters change
// and a final "result" event once the job reaches a terminal state. The
// stream also ends when the client disconnects.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	j, ok := h.loadJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if j.State.IsTerminal() {
		writeSSEEvent(w, flusher, "result", j)
		return
	}
	writeSSEEvent(w, flusher, "status", j)
	last := progressOf(j)

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		cur, err := h.store.Get(r.Context(), j.ID)
		if err != nil {
			h.logger.Warn("poll job for events", "job_id", j.ID, "error", err)
			continue
		}
		if cur == nil {
			return
		}
		if cur.State.IsTerminal() {
			writeSSEEvent(w, flusher, "result", cur)
			return
		}
		if p := progressOf(cur); p != last {
			writeSSEEvent(w, flusher, "status", cur)
			last = p
		}
	}
}

type progress struct {
	state     job.State
	processed int
	email     job.EmailStatus
}

func progressOf(j *job.Job) progress {
	return progress{state: j.State, processed: j.ProcessedRows, email: j.EmailStatus}
}

// writeSSEEvent serialises data as JSON and writes a single SSE event frame.
func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
