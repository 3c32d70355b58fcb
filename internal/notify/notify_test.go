package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bulkload/bulkload/internal/broker"
	"github.com/bulkload/bulkload/internal/job"
	"github.com/bulkload/bulkload/internal/message"
)

// fakeSender fails the first failures calls, then succeeds.
type fakeSender struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []Email
}

func (f *fakeSender) Send(_ context.Context, to, subject, body string, html bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return errors.New("smtp: 421 service not available")
	}
	f.sent = append(f.sent, Email{To: to, Subject: subject, Body: body})
	return nil
}

func newStore(t *testing.T) *job.SQLiteStore {
	t.Helper()
	store, err := job.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// finishedJob stores a job that went through the pipeline and ended in state.
func finishedJob(t *testing.T, store job.Store, state job.State) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := &job.Job{FileName: "march.xlsx", User: "ana@example.com", Period: "2025-03", State: job.StateSubmitted, SubmittedAt: time.Now().UTC()}
	require.NoError(t, store.Create(ctx, j))

	require.NoError(t, j.Transition(job.StateProcessing, time.Now()))
	require.NoError(t, store.Update(ctx, j, job.StateSubmitted))
	switch state {
	case job.StateCompleted:
		j.TotalRows, j.ProcessedRows, j.AcceptedRows, j.RejectedRows = 5, 5, 4, 1
		require.NoError(t, j.Transition(job.StateLoaded, time.Now()))
		require.NoError(t, store.Update(ctx, j, job.StateProcessing))
		require.NoError(t, j.Transition(job.StateCompleted, time.Now()))
		require.NoError(t, store.Update(ctx, j, job.StateLoaded))
	case job.StateRejected:
		require.NoError(t, j.Reject("file fetch failed", time.Now()))
		require.NoError(t, store.Update(ctx, j, job.StateProcessing))
	}
	return j
}

func completedDelivery(t *testing.T, j *job.Job, redeliveries int) broker.Delivery {
	t.Helper()
	body, err := message.Encode(message.CompletedEvent(j.ID, j.User, time.Now(), 5, 4, 1))
	require.NoError(t, err)
	return broker.Delivery{MessageID: "m1", Body: body, Redeliveries: redeliveries}
}

func newWorker(store job.Store, sender Sender, maxRedeliveries int) *Worker {
	return New(store, sender, Options{
		Queue:           "notifications",
		Attempts:        3,
		BaseDelay:       time.Millisecond,
		MaxRedeliveries: maxRedeliveries,
	}, nil, nil)
}

func TestWorker_SendsAndFinalizes(t *testing.T) {
	store := newStore(t)
	j := finishedJob(t, store, job.StateCompleted)
	sender := &fakeSender{}
	w := newWorker(store, sender, 0)

	assert.Equal(t, broker.Ack, w.Handle(context.Background(), completedDelivery(t, j, 0)))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "ana@example.com", sender.sent[0].To)
	assert.Contains(t, sender.sent[0].Subject, "completed")

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateNotificationSent, got.State)
	assert.Equal(t, job.EmailSent, got.EmailStatus)
	assert.Empty(t, got.EmailError)
	assert.NotNil(t, got.NotifiedAt)
	assert.Equal(t, 4, got.AcceptedRows, "counters are untouched")
}

func TestWorker_NotifiesRejectedJob(t *testing.T) {
	store := newStore(t)
	j := finishedJob(t, store, job.StateRejected)
	sender := &fakeSender{}
	w := newWorker(store, sender, 0)

	body, err := message.Encode(message.RejectedEvent(j.ID, j.User, time.Now(), "file fetch failed"))
	require.NoError(t, err)
	assert.Equal(t, broker.Ack, w.Handle(context.Background(), broker.Delivery{Body: body}))

	require.Len(t, sender.sent, 1)
	assert.Contains(t, sender.sent[0].Body, "file fetch failed")
	got, _ := store.Get(context.Background(), j.ID)
	assert.Equal(t, job.StateNotificationSent, got.State)
}

func TestWorker_RetriesTransientFailure(t *testing.T) {
	store := newStore(t)
	j := finishedJob(t, store, job.StateCompleted)
	sender := &fakeSender{failures: 2}
	w := newWorker(store, sender, 0)

	assert.Equal(t, broker.Ack, w.Handle(context.Background(), completedDelivery(t, j, 0)))
	assert.Equal(t, 3, sender.calls)

	got, _ := store.Get(context.Background(), j.ID)
	assert.Equal(t, job.StateNotificationSent, got.State)
}

func TestWorker_ExhaustedRetriesRequeue(t *testing.T) {
	store := newStore(t)
	j := finishedJob(t, store, job.StateCompleted)
	sender := &fakeSender{failures: 100}
	w := newWorker(store, sender, 0)

	assert.Equal(t, broker.Requeue, w.Handle(context.Background(), completedDelivery(t, j, 0)))
	assert.Equal(t, 3, sender.calls)

	got, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCompleted, got.State)
	assert.Equal(t, job.EmailFailed, got.EmailStatus)
	assert.Contains(t, got.EmailError, "421")
	assert.Nil(t, got.NotifiedAt)
}

func TestWorker_FailureThenSuccessOnRedelivery(t *testing.T) {
	store := newStore(t)
	j := finishedJob(t, store, job.StateCompleted)
	sender := &fakeSender{failures: 3}
	w := newWorker(store, sender, 0)

	assert.Equal(t, broker.Requeue, w.Handle(context.Background(), completedDelivery(t, j, 0)))
	assert.Equal(t, broker.Ack, w.Handle(context.Background(), completedDelivery(t, j, 1)))

	got, _ := store.Get(context.Background(), j.ID)
	assert.Equal(t, job.StateNotificationSent, got.State)
	assert.Equal(t, job.EmailSent, got.EmailStatus)
	assert.Empty(t, got.EmailError, "a later success clears the previous failure")
}

func TestWorker_DropsAfterMaxRedeliveries(t *testing.T) {
	store := newStore(t)
	j := finishedJob(t, store, job.StateRejected)
	w := newWorker(store, &fakeSender{failures: 100}, 2)

	body, err := message.Encode(message.RejectedEvent(j.ID, j.User, time.Now(), "period in flight"))
	require.NoError(t, err)
	assert.Equal(t, broker.Requeue, w.Handle(context.Background(), broker.Delivery{Body: body, Redeliveries: 1}))
	assert.Equal(t, broker.Drop, w.Handle(context.Background(), broker.Delivery{Body: body, Redeliveries: 2}))

	got, _ := store.Get(context.Background(), j.ID)
	assert.Equal(t, job.StateRejected, got.State)
	assert.Equal(t, job.EmailFailed, got.EmailStatus)
}

func TestWorker_AlreadyNotifiedIsNoop(t *testing.T) {
	store := newStore(t)
	j := finishedJob(t, store, job.StateCompleted)
	sender := &fakeSender{}
	w := newWorker(store, sender, 0)

	d := completedDelivery(t, j, 0)
	assert.Equal(t, broker.Ack, w.Handle(context.Background(), d))
	assert.Equal(t, broker.Ack, w.Handle(context.Background(), d))
	assert.Equal(t, 1, sender.calls, "no second email")
}

func TestWorker_UnfinishedJobIsRequeued(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	j := &job.Job{FileName: "a.csv", User: "ana@example.com", Period: "2025-03", State: job.StateSubmitted, SubmittedAt: time.Now()}
	require.NoError(t, store.Create(ctx, j))
	sender := &fakeSender{}

	assert.Equal(t, broker.Requeue, newWorker(store, sender, 0).Handle(ctx, completedDelivery(t, j, 0)))
	assert.Zero(t, sender.calls)
}

func TestWorker_DropsUnknownJobAndMalformedEvents(t *testing.T) {
	store := newStore(t)
	sender := &fakeSender{}
	w := newWorker(store, sender, 0)
	ctx := context.Background()

	body, err := message.Encode(message.CompletedEvent(999, "ana@example.com", time.Now(), 1, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, broker.Drop, w.Handle(ctx, broker.Delivery{Body: body}))
	assert.Equal(t, broker.Drop, w.Handle(ctx, broker.Delivery{Body: []byte(`{"job_id":1,"outcome":"Rejected"}`)}))
	assert.Zero(t, sender.calls)
}

func TestWorker_CancelledContextStopsRetrying(t *testing.T) {
	store := newStore(t)
	j := finishedJob(t, store, job.StateCompleted)
	sender := &fakeSender{failures: 100}
	w := New(store, sender, Options{Queue: "notifications", Attempts: 3, BaseDelay: time.Hour}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, broker.Requeue, w.Handle(ctx, completedDelivery(t, j, 0)))
	assert.Equal(t, 1, sender.calls)
}
