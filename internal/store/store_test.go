package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milo/internal/schedule"
	"milo/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "milo.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testJob(sendAt time.Time) *Job {
	return &Job{
		CreatorPhone:    "4915112345678",
		TargetChat:      "4915187654321",
		TargetType:      TargetUser,
		MessageBody:     "pay rent",
		SendAt:          sendAt,
		TZOffsetMinutes: 120,
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	sendAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	end := sendAt.AddDate(0, 2, 0)
	j := testJob(sendAt)
	j.Recurrence = &schedule.Rule{Type: schedule.RecurMonthly, EndDate: &end}

	require.NoError(t, s.Insert(ctx, j))
	require.NotZero(t, j.ID)

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "pay rent", got.MessageBody)
	assert.Equal(t, 120, got.TZOffsetMinutes)
	assert.True(t, got.SendAt.Equal(sendAt))
	require.NotNil(t, got.Recurrence)
	assert.Equal(t, schedule.RecurMonthly, got.Recurrence.Type)
	require.NotNil(t, got.Recurrence.EndDate)
	assert.True(t, got.Recurrence.EndDate.Equal(end))

	_, err = s.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertGuards(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	empty := testJob(time.Now().Add(time.Hour))
	empty.MessageBody = "   "
	assert.ErrorIs(t, s.Insert(ctx, empty), ErrEmptyBody)

	sendAt := time.Now().Add(time.Hour)
	before := sendAt.Add(-time.Minute)
	bad := testJob(sendAt)
	bad.Recurrence = &schedule.Rule{Type: schedule.RecurDaily, EndDate: &before}
	assert.ErrorIs(t, s.Insert(ctx, bad), ErrEndBeforeStart)
}

func TestSelectDueWindow(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	pastDue := testJob(now.Add(-time.Minute))
	justAhead := testJob(now.Add(30 * time.Second))
	farFuture := testJob(now.Add(2 * time.Hour))
	longMissed := testJob(now.Add(-24 * time.Hour))
	require.NoError(t, s.Insert(ctx, pastDue))
	require.NoError(t, s.Insert(ctx, justAhead))
	require.NoError(t, s.Insert(ctx, farFuture))
	require.NoError(t, s.Insert(ctx, longMissed))

	due, err := s.SelectDue(ctx, now, 10*time.Minute, time.Minute, 50)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Oldest first.
	assert.Equal(t, pastDue.ID, due[0].ID)
	assert.Equal(t, justAhead.ID, due[1].ID)

	// A cancelled job never comes back.
	n, err := s.Cancel(ctx, pastDue.ID, pastDue.CreatorPhone)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	due, err = s.SelectDue(ctx, now, 10*time.Minute, time.Minute, 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, justAhead.ID, due[0].ID)
}

func TestCancelGuards(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := testJob(time.Now().Add(time.Hour))
	require.NoError(t, s.Insert(ctx, j))

	// Wrong creator: zero rows.
	n, err := s.Cancel(ctx, j.ID, "4900000000")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	n, err = s.Cancel(ctx, j.ID, j.CreatorPhone)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Terminal states are immutable: a second cancel is a no-op.
	n, err = s.Cancel(ctx, j.ID, j.CreatorPhone)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestAttemptAccounting(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := testJob(time.Now())
	require.NoError(t, s.Insert(ctx, j))

	require.NoError(t, s.RecordAttempt(ctx, j.ID))
	require.NoError(t, s.RecordAttempt(ctx, j.ID))
	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, StatusPending, got.Status)
	require.NotNil(t, got.LastAttemptAt)

	require.NoError(t, s.MarkFailed(ctx, j.ID))
	got, err = s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)

	// MarkSent cannot resurrect a failed job.
	require.NoError(t, s.MarkSent(ctx, j.ID, "wamid.X"))
	got, err = s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestMarkSentRecordsMessageID(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := testJob(time.Now())
	require.NoError(t, s.Insert(ctx, j))
	require.NoError(t, s.MarkSent(ctx, j.ID, "wamid.ABC"))

	got, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, got.Status)
	assert.Equal(t, "wamid.ABC", got.WhatsAppMessageID)
}

func TestCountAndListPending(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, testJob(time.Now().Add(time.Duration(i+1)*time.Hour))))
	}
	other := testJob(time.Now().Add(time.Hour))
	other.CreatorPhone = "4900000001"
	require.NoError(t, s.Insert(ctx, other))

	n, err := s.CountPending(ctx, "4915112345678")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	jobs, err := s.ListPending(ctx, "4915112345678")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.True(t, jobs[0].SendAt.Before(jobs[1].SendAt))
}

func TestKnownCreator(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	known, err := s.KnownCreator(ctx, "4915112345678")
	require.NoError(t, err)
	assert.False(t, known)

	j := testJob(time.Now().Add(time.Hour))
	require.NoError(t, s.Insert(ctx, j))

	known, err = s.KnownCreator(ctx, j.CreatorPhone)
	require.NoError(t, err)
	assert.True(t, known)

	// Terminal jobs still count; the creator has used the bot.
	_, err = s.Cancel(ctx, j.ID, j.CreatorPhone)
	require.NoError(t, err)
	known, err = s.KnownCreator(ctx, j.CreatorPhone)
	require.NoError(t, err)
	assert.True(t, known)
}

func TestCompleteAndReschedule(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	sendAt := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
	j := testJob(sendAt)
	j.Recurrence = &schedule.Rule{Type: schedule.RecurDaily}
	require.NoError(t, s.Insert(ctx, j))

	next := *j
	next.ID = 0
	next.SendAt = sendAt.AddDate(0, 0, 1)
	require.NoError(t, s.CompleteAndReschedule(ctx, j.ID, "wamid.Y", &next))
	require.NotZero(t, next.ID)
	require.NotEqual(t, j.ID, next.ID, "recurrence must create a new job, never resurrect the old id")

	old, err := s.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, old.Status)
	assert.Equal(t, "wamid.Y", old.WhatsAppMessageID)

	created, err := s.GetByID(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, 0, created.Attempts)
	assert.Equal(t, j.MessageBody, created.MessageBody)
	assert.True(t, created.SendAt.Equal(sendAt.AddDate(0, 0, 1)))
}

func TestDeliveryLogAppendOnly(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	j := testJob(time.Now())
	require.NoError(t, s.Insert(ctx, j))

	require.NoError(t, s.AppendLog(ctx, LogEntry{
		JobID: j.ID, CreatorPhone: j.CreatorPhone, TargetChat: j.TargetChat,
		Outcome: StatusFailed, Error: "timeout",
	}))
	require.NoError(t, s.AppendLog(ctx, LogEntry{
		JobID: j.ID, CreatorPhone: j.CreatorPhone, TargetChat: j.TargetChat,
		Outcome: StatusSent,
	}))

	entries, err := s.LogsForJob(ctx, j.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, StatusFailed, entries[0].Outcome)
	assert.Equal(t, "timeout", entries[0].Error)
	assert.Equal(t, StatusSent, entries[1].Outcome)
	assert.Empty(t, entries[1].Error)
}
