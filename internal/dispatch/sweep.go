package dispatch

import (
	"context"
	"fmt"
	"strings"

	"milo/internal/identity"
	"milo/internal/schedule"
	"milo/internal/store"
	"milo/internal/whatsapp"
	"milo/pkg/logx"
)

const reasonAllParticipantsFailed = "all_participants_failed"

// Tick runs one sweep. It is a no-op while a previous sweep is still
// executing or while the transport has no active session.
func (d *Dispatcher) Tick(ctx context.Context) {
	if !d.running.CompareAndSwap(false, true) {
		return
	}
	defer d.running.Store(false)

	if !d.client.Ready() {
		if d.readyLog.Allow() {
			d.log.Warn("transport not ready, skipping sweep")
		}
		return
	}

	cfg := d.config()
	now := d.Now()
	jobs, err := d.jobs.SelectDue(ctx, now, cfg.lookahead(), cfg.Grace, cfg.BatchSize)
	if err != nil {
		d.log.Error("due-job selection failed", logx.Err(err))
		return
	}
	if len(jobs) == 0 {
		return
	}
	d.log.Debug("sweep selected jobs", logx.Int("count", len(jobs)))

	// Jobs are processed sequentially; correctness across sweeps rests on
	// the pending->terminal status transition being visible before the
	// next selection query.
	for i := range jobs {
		d.process(ctx, cfg, jobs[i])
	}
}

func (d *Dispatcher) process(ctx context.Context, cfg Config, job store.Job) {
	now := d.Now()
	if job.SendAt.Sub(now) > cfg.Grace {
		// Selection window raced the clock; leave it for a later sweep.
		return
	}

	// Unretryable preconditions fail the job immediately.
	if strings.TrimSpace(job.MessageBody) == "" {
		d.failPermanent(ctx, job, "empty message body")
		return
	}
	creator, err := identity.CanonicalPhone(job.CreatorPhone)
	if err != nil {
		d.failPermanent(ctx, job, "creator phone failed canonicalization")
		return
	}

	if job.TargetType == store.TargetGroup {
		d.sendGroup(ctx, cfg, job, creator)
		return
	}
	d.sendSingle(ctx, cfg, job, creator)
}

func (d *Dispatcher) sendSingle(ctx context.Context, cfg Config, job store.Job, creator string) {
	text := d.composeSingle(ctx, job, creator)
	msgID, err := d.sendWithTimeout(ctx, cfg, whatsapp.UserChatID(job.TargetChat), text)
	if err != nil {
		d.handleSendFailure(ctx, cfg, job, creator, err)
		return
	}
	d.complete(ctx, job, msgID, "")
}

func (d *Dispatcher) sendGroup(ctx context.Context, cfg Config, job store.Job, creator string) {
	_, participants, err := whatsapp.ResolveGroup(ctx, d.client, job.TargetChat)
	if err != nil {
		d.failPermanent(ctx, job, fmt.Sprintf("group unreachable: %v", err))
		return
	}

	selfPhone := ""
	if p, err := identity.CanonicalPhone(d.client.SelfID()); err == nil {
		selfPhone = p
	}

	text := d.composeSingle(ctx, job, creator)
	sent, failed := 0, 0
	for _, p := range participants {
		if p.Phone == selfPhone {
			continue
		}
		if _, err := d.sendWithTimeout(ctx, cfg, p.ID, text); err != nil {
			failed++
			d.log.Debug("group participant send failed",
				logx.Int64("job", job.ID),
				logx.String("participant", p.Phone),
				logx.Err(err))
			continue
		}
		sent++
	}

	if sent == 0 {
		d.failPermanent(ctx, job, reasonAllParticipantsFailed)
		return
	}
	detail := ""
	if failed > 0 {
		detail = fmt.Sprintf("%d sent, %d failed", sent, failed)
	}
	// Partial failure still counts as delivered; no transport message id
	// is recorded for fan-out.
	d.complete(ctx, job, "", detail)
}

// complete marks the job sent, enqueues the next occurrence of a
// recurring job (computed from the original fire time, not the wall
// clock, so drift never accumulates), logs, and emits telemetry.
func (d *Dispatcher) complete(ctx context.Context, job store.Job, msgID, detail string) {
	next := d.nextOccurrence(job)
	if err := d.jobs.CompleteAndReschedule(ctx, job.ID, msgID, next); err != nil {
		d.log.Error("failed finalizing sent job", logx.Int64("job", job.ID), logx.Err(err))
		return
	}
	if err := d.jobs.AppendLog(ctx, store.LogEntry{
		JobID:        job.ID,
		CreatorPhone: job.CreatorPhone,
		TargetChat:   job.TargetChat,
		Outcome:      store.StatusSent,
		Error:        detail,
	}); err != nil {
		d.log.Warn("failed appending delivery log", logx.Int64("job", job.ID), logx.Err(err))
	}

	fields := []logx.Field{logx.Int64("job", job.ID), logx.String("target_type", string(job.TargetType))}
	if next != nil {
		fields = append(fields, logx.Time("next_at", next.SendAt))
	}
	d.log.Info("scheduled message delivered", fields...)

	payload := map[string]any{"job_id": job.ID, "target_type": string(job.TargetType)}
	if next != nil {
		payload["rescheduled"] = true
	}
	d.sink.TrackEvent(ctx, job.CreatorPhone, "scheduled_message_sent", payload)
}

func (d *Dispatcher) nextOccurrence(job store.Job) *store.Job {
	if job.Recurrence == nil {
		return nil
	}
	nextAt, ok, err := schedule.Next(job.SendAt, *job.Recurrence)
	if err != nil {
		d.log.Warn("recurrence computation failed", logx.Int64("job", job.ID), logx.Err(err))
		return nil
	}
	if !ok {
		return nil
	}
	return &store.Job{
		CreatorPhone:    job.CreatorPhone,
		TargetChat:      job.TargetChat,
		TargetType:      job.TargetType,
		MessageBody:     job.MessageBody,
		SendAt:          nextAt,
		TZOffsetMinutes: job.TZOffsetMinutes,
		Recurrence:      job.Recurrence,
	}
}

// handleSendFailure charges one attempt; at the cap the job fails
// permanently and the creator gets a best-effort notification.
func (d *Dispatcher) handleSendFailure(ctx context.Context, cfg Config, job store.Job, creator string, sendErr error) {
	if err := d.jobs.AppendLog(ctx, store.LogEntry{
		JobID:        job.ID,
		CreatorPhone: job.CreatorPhone,
		TargetChat:   job.TargetChat,
		Outcome:      store.StatusFailed,
		Error:        sendErr.Error(),
	}); err != nil {
		d.log.Warn("failed appending delivery log", logx.Int64("job", job.ID), logx.Err(err))
	}

	attempts := job.Attempts + 1
	if attempts < cfg.MaxAttempts {
		if err := d.jobs.RecordAttempt(ctx, job.ID); err != nil {
			d.log.Error("failed recording attempt", logx.Int64("job", job.ID), logx.Err(err))
		}
		d.log.Warn("delivery failed, will retry",
			logx.Int64("job", job.ID),
			logx.Int("attempts", attempts),
			logx.Err(sendErr))
		return
	}

	if err := d.jobs.MarkFailed(ctx, job.ID); err != nil {
		d.log.Error("failed marking job failed", logx.Int64("job", job.ID), logx.Err(err))
		return
	}
	d.log.Warn("delivery failed permanently",
		logx.Int64("job", job.ID),
		logx.Int("attempts", attempts),
		logx.Err(sendErr))
	d.sink.TrackEvent(ctx, job.CreatorPhone, "scheduled_message_failed",
		map[string]any{"job_id": job.ID, "attempts": attempts, "reason": sendErr.Error()})
	d.notifyCreator(ctx, cfg, creator, job)
}

// failPermanent is the terminal path for unretryable preconditions.
func (d *Dispatcher) failPermanent(ctx context.Context, job store.Job, reason string) {
	if err := d.jobs.MarkFailed(ctx, job.ID); err != nil {
		d.log.Error("failed marking job failed", logx.Int64("job", job.ID), logx.Err(err))
		return
	}
	if err := d.jobs.AppendLog(ctx, store.LogEntry{
		JobID:        job.ID,
		CreatorPhone: job.CreatorPhone,
		TargetChat:   job.TargetChat,
		Outcome:      store.StatusFailed,
		Error:        reason,
	}); err != nil {
		d.log.Warn("failed appending delivery log", logx.Int64("job", job.ID), logx.Err(err))
	}
	d.log.Warn("job rejected", logx.Int64("job", job.ID), logx.String("reason", reason))
	d.sink.TrackEvent(ctx, job.CreatorPhone, "scheduled_message_failed",
		map[string]any{"job_id": job.ID, "reason": reason})
}

func (d *Dispatcher) notifyCreator(ctx context.Context, cfg Config, creator string, job store.Job) {
	text := fmt.Sprintf("I couldn't deliver your scheduled message (%q) after %d attempts. It won't be retried.",
		truncate(job.MessageBody, 40), cfg.MaxAttempts)
	if _, err := d.sendWithTimeout(ctx, cfg, whatsapp.UserChatID(creator), text); err != nil {
		d.log.Debug("creator notification failed", logx.Int64("job", job.ID), logx.Err(err))
	}
}

// composeSingle wraps the raw body with sender attribution; recipients we
// don't know yet also get the onboarding line. Self-reminders stay bare.
func (d *Dispatcher) composeSingle(ctx context.Context, job store.Job, creator string) string {
	if job.TargetType == store.TargetUser && job.TargetChat == creator {
		return fmt.Sprintf("⏰ Reminder:\n\n%s", job.MessageBody)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📨 Scheduled message from +%s:\n\n%s", creator, job.MessageBody)
	if d.KnownUser != nil && job.TargetType == store.TargetUser && !d.KnownUser(ctx, job.TargetChat) {
		b.WriteString("\n\n—\nSent with Milo. Message me to schedule your own.")
	}
	return b.String()
}

// sendWithTimeout races one delivery against the configured hard timeout.
// A timed-out send counts exactly like a failed send.
func (d *Dispatcher) sendWithTimeout(ctx context.Context, cfg Config, targetID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := d.client.SendMessage(ctx, targetID, text)
		ch <- result{id: id, err: err}
	}()

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
