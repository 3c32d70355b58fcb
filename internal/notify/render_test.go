package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/message"
)

func TestRender(t *testing.T) {
	j := &job.Job{ID: 7, FileName: "march.xlsx", Period: "2025-03"}
	finished := time.Date(2025, 3, 31, 18, 4, 5, 0, time.UTC)

	t.Run("completed shows the row summary", func(t *testing.T) {
		email, err := Render(message.CompletedEvent(7, "ana@example.com", finished, 5, 4, 1), j)
		require.NoError(t, err)
		assert.Equal(t, "ana@example.com", email.To)
		assert.Equal(t, "Bulk load completed: march.xlsx (2025-03)", email.Subject)
		assert.Contains(t, email.Body, "<td>Processed</td><td>5</td>")
		assert.Contains(t, email.Body, "2025-03-31 18:04:05 UTC")
		assert.NotContains(t, email.Body, "Reason:")
	})

	t.Run("rejected shows the reason", func(t *testing.T) {
		email, err := Render(message.RejectedEvent(7, "ana@example.com", finished, "period in flight"), j)
		require.NoError(t, err)
		assert.Equal(t, "Bulk load rejected: march.xlsx (2025-03)", email.Subject)
		assert.Contains(t, email.Body, "period in flight")
		assert.NotContains(t, email.Body, "Summary")
	})

	t.Run("reason is escaped", func(t *testing.T) {
		email, err := Render(message.RejectedEvent(7, "ana@example.com", finished, "<script>x</script>"), j)
		require.NoError(t, err)
		assert.NotContains(t, email.Body, "<script>")
		assert.Contains(t, email.Body, "&lt;script&gt;")
	})

	t.Run("unknown outcome", func(t *testing.T) {
		_, err := Render(message.Completion{JobID: 7, Outcome: "Paused"}, j)
		assert.ErrorIs(t, err, message.ErrMalformed)
	})
}
