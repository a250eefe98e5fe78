package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

const jobColumns = `id, creator_phone, target_chat, target_type, message_body, send_at,
	timezone_offset_minutes, recurrence_type, recurrence_end_date, status, attempts,
	last_attempt_at, whatsapp_message_id, created_at, updated_at`

// Insert persists a new pending job and assigns its id.
//
// Creation-time guards live here so both the flow controller and the
// dispatcher's reschedule path get identical semantics: the body must be
// non-empty and a recurrence end date must be strictly after the first
// fire time.
func (s *Store) Insert(ctx context.Context, j *Job) error {
	if strings.TrimSpace(j.MessageBody) == "" {
		return ErrEmptyBody
	}
	if j.Recurrence != nil && j.Recurrence.EndDate != nil && !j.Recurrence.EndDate.After(j.SendAt) {
		return ErrEndBeforeStart
	}
	now := time.Now()
	if j.Status == "" {
		j.Status = StatusPending
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	var recurType, recurEnd any
	if j.Recurrence != nil {
		recurType = string(j.Recurrence.Type)
		if j.Recurrence.EndDate != nil {
			recurEnd = j.Recurrence.EndDate.UnixMilli()
		}
	}

	args := []any{
		j.CreatorPhone, j.TargetChat, string(j.TargetType), j.MessageBody,
		j.SendAt.UnixMilli(), j.TZOffsetMinutes, recurType, recurEnd,
		string(j.Status), j.Attempts, now.UnixMilli(), now.UnixMilli(),
	}
	const insert = `INSERT INTO scheduled_messages
		(creator_phone, target_chat, target_type, message_body, send_at,
		 timezone_offset_minutes, recurrence_type, recurrence_end_date,
		 status, attempts, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`

	if s.driver == "postgres" {
		q := s.rebind(insert + " RETURNING id")
		return s.db.QueryRowContext(ctx, q, args...).Scan(&j.ID)
	}
	res, err := s.db.ExecContext(ctx, insert, args...)
	if err != nil {
		return err
	}
	j.ID, err = res.LastInsertId()
	return err
}

func (s *Store) GetByID(ctx context.Context, id int64) (Job, error) {
	var row jobRow
	q := s.rebind(`SELECT ` + jobColumns + ` FROM scheduled_messages WHERE id = ?`)
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return row.toJob(), nil
}

// SelectDue returns pending jobs whose fire time falls inside the sweep
// window [now-lookahead, now+grace], oldest first, capped at limit.
func (s *Store) SelectDue(ctx context.Context, now time.Time, lookahead, grace time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	from := now.Add(-lookahead).UnixMilli()
	to := now.Add(grace).UnixMilli()

	var rows []jobRow
	q := s.rebind(`SELECT ` + jobColumns + ` FROM scheduled_messages
		WHERE status = 'pending' AND send_at >= ? AND send_at <= ?
		ORDER BY send_at ASC
		LIMIT ?`)
	if err := s.db.SelectContext(ctx, &rows, q, from, to, limit); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// MarkSent finalizes a successful delivery. The transition only applies to
// a still-pending row, so a concurrent cancel cannot be overwritten.
func (s *Store) MarkSent(ctx context.Context, id int64, whatsappMessageID string) error {
	q := s.rebind(`UPDATE scheduled_messages
		SET status = 'sent', whatsapp_message_id = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`)
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, q, nullStr(whatsappMessageID), now, now, id)
	return err
}

// RecordAttempt notes one failed delivery attempt while keeping the job
// pending for the next sweep.
func (s *Store) RecordAttempt(ctx context.Context, id int64) error {
	q := s.rebind(`UPDATE scheduled_messages
		SET attempts = attempts + 1, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`)
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, q, now, now, id)
	return err
}

// MarkFailed puts the job in its terminal failed state.
func (s *Store) MarkFailed(ctx context.Context, id int64) error {
	q := s.rebind(`UPDATE scheduled_messages
		SET status = 'failed', last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`)
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, q, now, now, id)
	return err
}

// Cancel cancels a pending job owned by creatorPhone. It reports the
// number of rows affected: 0 means the job was not found, not owned by the
// caller, or already terminal.
func (s *Store) Cancel(ctx context.Context, id int64, creatorPhone string) (int64, error) {
	q := s.rebind(`UPDATE scheduled_messages
		SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND creator_phone = ? AND status = 'pending'`)
	res, err := s.db.ExecContext(ctx, q, time.Now().UnixMilli(), id, creatorPhone)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPending reports how many pending jobs the creator currently has.
// This is the quantity the quota gate charges against.
func (s *Store) CountPending(ctx context.Context, creatorPhone string) (int, error) {
	var n int
	q := s.rebind(`SELECT COUNT(*) FROM scheduled_messages WHERE creator_phone = ? AND status = 'pending'`)
	if err := s.db.GetContext(ctx, &n, q, creatorPhone); err != nil {
		return 0, err
	}
	return n, nil
}

// KnownCreator reports whether the phone has ever scheduled a message,
// in any status. Recipients who haven't get an onboarding line appended
// to their deliveries.
func (s *Store) KnownCreator(ctx context.Context, phone string) (bool, error) {
	var known bool
	q := s.rebind(`SELECT EXISTS(SELECT 1 FROM scheduled_messages WHERE creator_phone = ?)`)
	if err := s.db.GetContext(ctx, &known, q, phone); err != nil {
		return false, err
	}
	return known, nil
}

func (s *Store) ListPending(ctx context.Context, creatorPhone string) ([]Job, error) {
	var rows []jobRow
	q := s.rebind(`SELECT ` + jobColumns + ` FROM scheduled_messages
		WHERE creator_phone = ? AND status = 'pending'
		ORDER BY send_at ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, creatorPhone); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, r.toJob())
	}
	return jobs, nil
}

// CompleteAndReschedule marks the current job sent and, when next is
// non-nil, inserts the next occurrence in the same transaction so a crash
// between the two cannot lose either half.
func (s *Store) CompleteAndReschedule(ctx context.Context, id int64, whatsappMessageID string, next *Job) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	q := s.rebind(`UPDATE scheduled_messages
		SET status = 'sent', whatsapp_message_id = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`)
	if _, err := tx.ExecContext(ctx, q, nullStr(whatsappMessageID), now, now, id); err != nil {
		return err
	}

	if next != nil {
		if strings.TrimSpace(next.MessageBody) == "" {
			return ErrEmptyBody
		}
		next.Status = StatusPending
		next.CreatedAt = time.UnixMilli(now)
		next.UpdatedAt = time.UnixMilli(now)

		var recurType, recurEnd any
		if next.Recurrence != nil {
			recurType = string(next.Recurrence.Type)
			if next.Recurrence.EndDate != nil {
				recurEnd = next.Recurrence.EndDate.UnixMilli()
			}
		}
		insert := `INSERT INTO scheduled_messages
			(creator_phone, target_chat, target_type, message_body, send_at,
			 timezone_offset_minutes, recurrence_type, recurrence_end_date,
			 status, attempts, created_at, updated_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`
		args := []any{
			next.CreatorPhone, next.TargetChat, string(next.TargetType), next.MessageBody,
			next.SendAt.UnixMilli(), next.TZOffsetMinutes, recurType, recurEnd,
			string(StatusPending), 0, now, now,
		}
		if s.driver == "postgres" {
			if err := tx.QueryRowContext(ctx, s.rebind(insert+" RETURNING id"), args...).Scan(&next.ID); err != nil {
				return err
			}
		} else {
			res, err := tx.ExecContext(ctx, insert, args...)
			if err != nil {
				return err
			}
			if next.ID, err = res.LastInsertId(); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// AppendLog records one dispatch attempt. The log is append-only.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	q := s.rebind(`INSERT INTO scheduled_messages_log
		(job_id, creator_phone, target_chat, outcome, error, at)
		VALUES (?,?,?,?,?,?)`)
	_, err := s.db.ExecContext(ctx, q,
		e.JobID, e.CreatorPhone, e.TargetChat, string(e.Outcome), nullStr(e.Error), e.At.UnixMilli())
	return err
}

func (s *Store) LogsForJob(ctx context.Context, jobID int64) ([]LogEntry, error) {
	var rows []logRow
	q := s.rebind(`SELECT id, job_id, creator_phone, target_chat, outcome, error, at
		FROM scheduled_messages_log WHERE job_id = ? ORDER BY at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &rows, q, jobID); err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
