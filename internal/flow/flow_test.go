package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"milo/internal/dateparse"
	"milo/internal/quota"
	"milo/internal/schedule"
	"milo/internal/session"
	"milo/internal/store"
	"milo/internal/whatsapp"
	"milo/pkg/logx"
)

const creator = "4915112345678"

// Wednesday afternoon, pinned for every flow test.
var testNow = time.Date(2026, 9, 2, 14, 30, 0, 0, time.UTC)

type fakeJobs struct {
	jobs   []*store.Job
	nextID int64
}

func (f *fakeJobs) Insert(_ context.Context, j *store.Job) error {
	f.nextID++
	j.ID = f.nextID
	j.Status = store.StatusPending
	cp := *j
	f.jobs = append(f.jobs, &cp)
	return nil
}

func (f *fakeJobs) CountPending(_ context.Context, creatorPhone string) (int, error) {
	n := 0
	for _, j := range f.jobs {
		if j.CreatorPhone == creatorPhone && j.Status == store.StatusPending {
			n++
		}
	}
	return n, nil
}

type fakeClient struct {
	chats    []whatsapp.Chat
	chatsErr error
}

func (f *fakeClient) Ready() bool    { return true }
func (f *fakeClient) SelfID() string { return "1000000000@s.whatsapp.net" }
func (f *fakeClient) SendMessage(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}
func (f *fakeClient) Chats(context.Context) ([]whatsapp.Chat, error) {
	return f.chats, f.chatsErr
}
func (f *fakeClient) ChatByID(context.Context, string) (whatsapp.Chat, error) {
	return whatsapp.Chat{}, errors.New("not used")
}

func newTestController(jobs *fakeJobs, client *fakeClient) *Controller {
	gate := quota.NewGate(jobs, quota.Static{}, quota.Config{FreeLimit: 3}, logx.Nop())
	parser := dateparse.Parser{Now: func() time.Time { return testNow }}
	c := NewController(session.NewMemory(), jobs, gate, client, parser, schedule.Normalizer{Ref: time.UTC}, logx.Nop())
	c.Now = func() time.Time { return testNow }
	return c
}

func step(t *testing.T, c *Controller, input, wantContains string) string {
	t.Helper()
	reply, err := c.Handle(context.Background(), creator, input)
	if err != nil {
		t.Fatalf("Handle(%q): %v", input, err)
	}
	if !strings.Contains(reply, wantContains) {
		t.Fatalf("Handle(%q) = %q, want substring %q", input, reply, wantContains)
	}
	return reply
}

func TestFullFlowToSelf(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	c := newTestController(jobs, &fakeClient{})
	ctx := context.Background()

	reply, err := c.Start(ctx, creator)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if reply != promptText {
		t.Fatalf("Start reply = %q", reply)
	}
	if !c.Active(ctx, creator) {
		t.Fatal("flow not active after Start")
	}

	step(t, c, "pay rent", "Who should receive it?")
	step(t, c, "1", "When should it be sent?")
	step(t, c, "tomorrow 09:00", "Should it repeat?")
	step(t, c, "monthly", "Until when")
	step(t, c, "no", "Scheduled for")

	if c.Active(ctx, creator) {
		t.Fatal("flow still active after confirmation")
	}
	if len(jobs.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs.jobs))
	}
	j := jobs.jobs[0]
	if j.CreatorPhone != creator || j.TargetChat != creator || j.TargetType != store.TargetUser {
		t.Fatalf("unexpected target: %+v", j)
	}
	if j.MessageBody != "pay rent" {
		t.Fatalf("body = %q", j.MessageBody)
	}
	want := time.Date(2026, 9, 3, 9, 0, 0, 0, time.UTC)
	if !j.SendAt.Equal(want) {
		t.Fatalf("SendAt = %v, want %v", j.SendAt, want)
	}
	if j.Recurrence == nil || j.Recurrence.Type != schedule.RecurMonthly || j.Recurrence.EndDate != nil {
		t.Fatalf("unexpected recurrence: %+v", j.Recurrence)
	}
}

func TestCancelAbortsAnywhere(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	c := newTestController(jobs, &fakeClient{})
	ctx := context.Background()

	if _, err := c.Start(ctx, creator); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step(t, c, "remind me", "Who should receive it?")
	step(t, c, "  CANCEL  ", msgFlowCancelled)

	if c.Active(ctx, creator) {
		t.Fatal("flow still active after cancel")
	}
	if len(jobs.jobs) != 0 {
		t.Fatal("cancelled flow persisted a job")
	}
}

func TestUnrecognizedInputKeepsState(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	c := newTestController(jobs, &fakeClient{})
	ctx := context.Background()

	if _, err := c.Start(ctx, creator); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step(t, c, "call mom", "Who should receive it?")
	step(t, c, "banana", "Who should receive it?")
	// The earlier message body survives the re-prompt.
	step(t, c, "1", "When should it be sent?")
	step(t, c, "tomorrow 08:00", "Should it repeat?")
	step(t, c, "1", "Scheduled for")

	if jobs.jobs[0].MessageBody != "call mom" {
		t.Fatalf("body lost across re-prompt: %q", jobs.jobs[0].MessageBody)
	}
}

func TestPastDatetimeRejected(t *testing.T) {
	t.Parallel()
	c := newTestController(&fakeJobs{}, &fakeClient{})
	ctx := context.Background()

	if _, err := c.Start(ctx, creator); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step(t, c, "too late", "Who should receive it?")
	step(t, c, "1", "When should it be sent?")
	// Now is 14:30; same-day 09:00 is in the past.
	step(t, c, "today 09:00", msgDatetimeInPast)
	// Still collecting: a future time goes through.
	step(t, c, "today 18:00", "Should it repeat?")
}

func TestQuotaBlocksStart(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	for i := 0; i < 3; i++ {
		_ = jobs.Insert(context.Background(), &store.Job{CreatorPhone: creator})
	}
	c := newTestController(jobs, &fakeClient{})

	reply, err := c.Start(context.Background(), creator)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.Contains(reply, "limit") {
		t.Fatalf("expected limit message, got %q", reply)
	}
	if c.Active(context.Background(), creator) {
		t.Fatal("blocked start left a session behind")
	}
}

func TestQuotaRecheckedAtDatetime(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	c := newTestController(jobs, &fakeClient{})
	ctx := context.Background()

	if _, err := c.Start(ctx, creator); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step(t, c, "race me", "Who should receive it?")
	step(t, c, "1", "When should it be sent?")

	// Quota fills up while the flow is parked.
	for i := 0; i < 3; i++ {
		_ = jobs.Insert(ctx, &store.Job{CreatorPhone: creator})
	}

	step(t, c, "tomorrow 09:00", "limit")
	if c.Active(ctx, creator) {
		t.Fatal("session survived the quota abort")
	}
}

func TestGroupSelectionMemberFirst(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	client := &fakeClient{chats: []whatsapp.Chat{
		{ID: "direct", Name: "Alice", IsGroup: false},
		{ID: "111@g.us", Name: "Neighbors", IsGroup: true},
		{ID: "222@g.us", Name: "Family", IsGroup: true,
			Participants: []whatsapp.Participant{{ID: creator + "@s.whatsapp.net", Phone: creator}}},
	}}
	c := newTestController(jobs, client)
	ctx := context.Background()

	if _, err := c.Start(ctx, creator); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step(t, c, "dinner at 8", "Who should receive it?")
	list := step(t, c, "4", "Which group?")
	// Creator's own group is listed before the rest.
	if strings.Index(list, "Family") > strings.Index(list, "Neighbors") {
		t.Fatalf("member group not listed first:\n%s", list)
	}

	step(t, c, "0", msgInvalidGroupChoice)
	step(t, c, "1", "When should it be sent?")
	step(t, c, "friday 20:00", "Should it repeat?")
	step(t, c, "none", "Scheduled for")

	j := jobs.jobs[0]
	if j.TargetChat != "222@g.us" || j.TargetType != store.TargetGroup {
		t.Fatalf("unexpected group target: %+v", j)
	}
}

func TestPhonePathCanonicalizes(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	c := newTestController(jobs, &fakeClient{})
	ctx := context.Background()

	if _, err := c.Start(ctx, creator); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step(t, c, "happy birthday", "Who should receive it?")
	step(t, c, "3", "phone number")
	step(t, c, "nonsense", msgInvalidPhone)
	step(t, c, "+49 151 8765-4321", "When should it be sent?")
	step(t, c, "24.12.2026 18:30", "Should it repeat?")
	step(t, c, "no", "Scheduled for")

	if got := jobs.jobs[0].TargetChat; got != "4915187654321" {
		t.Fatalf("target = %q", got)
	}
}

func TestContactSharePath(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	c := newTestController(jobs, &fakeClient{})
	ctx := context.Background()

	if _, err := c.Start(ctx, creator); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step(t, c, "see you there", "Who should receive it?")
	step(t, c, "2", "Share the contact")
	// Plain text while waiting just repeats the ask.
	step(t, c, "is this thing on?", "Share the contact")

	reply, err := c.HandleContactShared(ctx, creator, "+49 151 8765 4321")
	if err != nil {
		t.Fatalf("HandleContactShared: %v", err)
	}
	if !strings.Contains(reply, "When should it be sent?") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	step(t, c, "tomorrow 12:00", "Should it repeat?")
	step(t, c, "no", "Scheduled for")

	if got := jobs.jobs[0].TargetChat; got != "4915187654321" {
		t.Fatalf("target = %q", got)
	}
}

func TestRecurrenceEndDate(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobs{}
	c := newTestController(jobs, &fakeClient{})
	ctx := context.Background()

	if _, err := c.Start(ctx, creator); err != nil {
		t.Fatalf("Start: %v", err)
	}
	step(t, c, "water the plants", "Who should receive it?")
	step(t, c, "1", "When should it be sent?")
	step(t, c, "tomorrow 07:00", "Should it repeat?")
	step(t, c, "daily", "Until when")
	// An end before the first send is rejected.
	step(t, c, "today", msgEndBeforeStart)
	step(t, c, "2026-12-24", "Scheduled for")

	j := jobs.jobs[0]
	if j.Recurrence == nil || j.Recurrence.Type != schedule.RecurDaily {
		t.Fatalf("unexpected recurrence: %+v", j.Recurrence)
	}
	if j.Recurrence.EndDate == nil {
		t.Fatal("end date missing")
	}
	wantEnd := time.Date(2026, 12, 24, 23, 59, 0, 0, time.UTC)
	if !j.Recurrence.EndDate.Equal(wantEnd) {
		t.Fatalf("end = %v, want %v", j.Recurrence.EndDate, wantEnd)
	}
}

func TestCorruptSessionBlobResets(t *testing.T) {
	t.Parallel()
	sessions := session.NewMemory()
	jobs := &fakeJobs{}
	gate := quota.NewGate(jobs, quota.Static{}, quota.Config{FreeLimit: 3}, logx.Nop())
	parser := dateparse.Parser{Now: func() time.Time { return testNow }}
	c := NewController(sessions, jobs, gate, &fakeClient{}, parser, schedule.Normalizer{Ref: time.UTC}, logx.Nop())
	c.Now = func() time.Time { return testNow }
	ctx := context.Background()

	if err := sessions.Set(ctx, creator, []byte("{not json")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := c.Handle(ctx, creator, "hello"); err == nil {
		t.Fatal("expected no-active-flow error after corrupt blob")
	}
	if c.Active(ctx, creator) {
		t.Fatal("corrupt blob not dropped")
	}
}
