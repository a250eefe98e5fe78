package store

import (
	"database/sql"
	"time"

	"milo/internal/schedule"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

type TargetType string

const (
	TargetUser  TargetType = "user"
	TargetGroup TargetType = "group"
)

// Job is a single persisted scheduled message.
//
// SendAt is always expressed in the scheduler's reference frame;
// TZOffsetMinutes only serves to render it back in the creator's wall
// clock. A nil Recurrence means one-shot.
type Job struct {
	ID                int64
	CreatorPhone      string
	TargetChat        string
	TargetType        TargetType
	MessageBody       string
	SendAt            time.Time
	TZOffsetMinutes   int
	Recurrence        *schedule.Rule
	Status            Status
	Attempts          int
	LastAttemptAt     *time.Time
	WhatsAppMessageID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LogEntry is one append-only dispatch-attempt record. Entries are never
// mutated or deleted.
type LogEntry struct {
	ID           int64
	JobID        int64
	CreatorPhone string
	TargetChat   string
	Outcome      Status // StatusSent or StatusFailed
	Error        string
	At           time.Time
}

// jobRow is the flat scan target. Instants are stored as unix
// milliseconds so the same schema works for sqlite and postgres.
type jobRow struct {
	ID                int64          `db:"id"`
	CreatorPhone      string         `db:"creator_phone"`
	TargetChat        string         `db:"target_chat"`
	TargetType        string         `db:"target_type"`
	MessageBody       string         `db:"message_body"`
	SendAt            int64          `db:"send_at"`
	TZOffsetMinutes   int            `db:"timezone_offset_minutes"`
	RecurrenceType    sql.NullString `db:"recurrence_type"`
	RecurrenceEnd     sql.NullInt64  `db:"recurrence_end_date"`
	Status            string         `db:"status"`
	Attempts          int            `db:"attempts"`
	LastAttemptAt     sql.NullInt64  `db:"last_attempt_at"`
	WhatsAppMessageID sql.NullString `db:"whatsapp_message_id"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r jobRow) toJob() Job {
	j := Job{
		ID:              r.ID,
		CreatorPhone:    r.CreatorPhone,
		TargetChat:      r.TargetChat,
		TargetType:      TargetType(r.TargetType),
		MessageBody:     r.MessageBody,
		SendAt:          time.UnixMilli(r.SendAt),
		TZOffsetMinutes: r.TZOffsetMinutes,
		Status:          Status(r.Status),
		Attempts:        r.Attempts,
		CreatedAt:       time.UnixMilli(r.CreatedAt),
		UpdatedAt:       time.UnixMilli(r.UpdatedAt),
	}
	if r.RecurrenceType.Valid {
		rule := &schedule.Rule{Type: schedule.RecurrenceType(r.RecurrenceType.String)}
		if r.RecurrenceEnd.Valid {
			end := time.UnixMilli(r.RecurrenceEnd.Int64)
			rule.EndDate = &end
		}
		j.Recurrence = rule
	}
	if r.LastAttemptAt.Valid {
		t := time.UnixMilli(r.LastAttemptAt.Int64)
		j.LastAttemptAt = &t
	}
	if r.WhatsAppMessageID.Valid {
		j.WhatsAppMessageID = r.WhatsAppMessageID.String
	}
	return j
}

type logRow struct {
	ID           int64          `db:"id"`
	JobID        int64          `db:"job_id"`
	CreatorPhone string         `db:"creator_phone"`
	TargetChat   string         `db:"target_chat"`
	Outcome      string         `db:"outcome"`
	Error        sql.NullString `db:"error"`
	At           int64          `db:"at"`
}

func (r logRow) toEntry() LogEntry {
	e := LogEntry{
		ID:           r.ID,
		JobID:        r.JobID,
		CreatorPhone: r.CreatorPhone,
		TargetChat:   r.TargetChat,
		Outcome:      Status(r.Outcome),
		At:           time.UnixMilli(r.At),
	}
	if r.Error.Valid {
		e.Error = r.Error.String
	}
	return e
}
