// Package flow drives message composition as a per-creator finite-state
// machine: text, recipient, fire time, recurrence, confirmation. Stage
// state lives in a session.Store between turns as an opaque JSON blob.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"milo/internal/dateparse"
	"milo/internal/identity"
	"milo/internal/quota"
	"milo/internal/schedule"
	"milo/internal/session"
	"milo/internal/store"
	"milo/internal/whatsapp"
	"milo/pkg/logx"
)

type Stage string

const (
	StageCollectText          Stage = "collect_text"
	StageCollectRecipient     Stage = "collect_recipient"
	StageWaitingContact       Stage = "waiting_contact"
	StageCollectPhone         Stage = "collect_phone"
	StageSelectGroup          Stage = "select_group"
	StageCollectDatetime      Stage = "collect_datetime"
	StageCollectRecurrence    Stage = "collect_recurrence"
	StageCollectRecurrenceEnd Stage = "collect_recurrence_end"
)

// Context is the accumulated flow state serialized between turns.
type Context struct {
	Stage          Stage         `json:"stage"`
	MessageBody    string        `json:"message_body,omitempty"`
	TargetChat     string        `json:"target_chat,omitempty"`
	TargetType     string        `json:"target_type,omitempty"`
	Groups         []GroupOption `json:"groups,omitempty"`
	SendAtMilli    int64         `json:"send_at_milli,omitempty"`
	OffsetMinutes  int           `json:"offset_minutes,omitempty"`
	RecurrenceType string        `json:"recurrence_type,omitempty"`
}

// GroupOption is one selectable group candidate; Member marks groups the
// creator participates in (listed first).
type GroupOption struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Member bool   `json:"member"`
}

// DateParser is the natural-language parser collaborator contract.
type DateParser interface {
	ParseNaturalDate(text string) (time.Time, bool)
	ParseTime(text string) (dateparse.TimeOfDay, bool)
	Combine(date time.Time, tod dateparse.TimeOfDay) time.Time
}

// JobStore is the slice of the store the flow needs.
type JobStore interface {
	Insert(ctx context.Context, j *store.Job) error
}

type Controller struct {
	sessions session.Store
	jobs     JobStore
	gate     *quota.Gate
	client   whatsapp.Client
	parser   DateParser
	norm     schedule.Normalizer
	log      logx.Logger

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func NewController(sessions session.Store, jobs JobStore, gate *quota.Gate, client whatsapp.Client, parser DateParser, norm schedule.Normalizer, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{
		sessions: sessions,
		jobs:     jobs,
		gate:     gate,
		client:   client,
		parser:   parser,
		norm:     norm,
		log:      log,
		Now:      time.Now,
	}
}

// Active reports whether the creator has a composition flow in progress.
func (c *Controller) Active(ctx context.Context, creatorPhone string) bool {
	_, ok, err := c.sessions.Get(ctx, creatorPhone)
	return err == nil && ok
}

// Start opens a new composition flow. The quota gate must allow entry;
// otherwise the flow aborts up front with a tier-specific limit message.
func (c *Controller) Start(ctx context.Context, creatorPhone string) (string, error) {
	res, err := c.gate.Check(ctx, creatorPhone)
	if err != nil {
		return "", fmt.Errorf("quota check: %w", err)
	}
	if !res.Allowed {
		return limitReachedMessage(res), nil
	}
	fc := Context{Stage: StageCollectText, OffsetMinutes: schedule.OffsetMinutes(c.Now(), c.norm.Ref)}
	if err := c.save(ctx, creatorPhone, fc); err != nil {
		return "", err
	}
	return promptText, nil
}

// Handle advances the flow with one user message and returns the reply.
// A case-insensitive "cancel"/"exit" aborts at any stage; unrecognized
// input re-prompts the current stage without touching accumulated state.
func (c *Controller) Handle(ctx context.Context, creatorPhone, input string) (string, error) {
	fc, ok, err := c.load(ctx, creatorPhone)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no active flow for %s", creatorPhone)
	}

	if isCancelWord(input) {
		if err := c.sessions.Delete(ctx, creatorPhone); err != nil {
			c.log.Warn("failed clearing flow session", logx.String("creator", creatorPhone), logx.Err(err))
		}
		return msgFlowCancelled, nil
	}

	switch fc.Stage {
	case StageCollectText:
		return c.handleText(ctx, creatorPhone, fc, input)
	case StageCollectRecipient:
		return c.handleRecipient(ctx, creatorPhone, fc, input)
	case StageWaitingContact:
		return promptShareContact, nil
	case StageCollectPhone:
		return c.handlePhone(ctx, creatorPhone, fc, input)
	case StageSelectGroup:
		return c.handleGroupSelect(ctx, creatorPhone, fc, input)
	case StageCollectDatetime:
		return c.handleDatetime(ctx, creatorPhone, fc, input)
	case StageCollectRecurrence:
		return c.handleRecurrence(ctx, creatorPhone, fc, input)
	case StageCollectRecurrenceEnd:
		return c.handleRecurrenceEnd(ctx, creatorPhone, fc, input)
	default:
		// Unknown stage in a stale blob: reset rather than wedge the user.
		_ = c.sessions.Delete(ctx, creatorPhone)
		return msgFlowCancelled, nil
	}
}

// HandleContactShared resumes a flow parked in waiting_contact once the
// transport layer has extracted a phone from a shared contact card.
func (c *Controller) HandleContactShared(ctx context.Context, creatorPhone, sharedPhone string) (string, error) {
	fc, ok, err := c.load(ctx, creatorPhone)
	if err != nil {
		return "", err
	}
	if !ok || fc.Stage != StageWaitingContact {
		return "", fmt.Errorf("no flow waiting for a contact from %s", creatorPhone)
	}
	phone, err := identity.CanonicalPhone(sharedPhone)
	if err != nil {
		return promptShareContact + "\n" + msgInvalidPhone, nil
	}
	fc.TargetChat = phone
	fc.TargetType = string(store.TargetUser)
	fc.Stage = StageCollectDatetime
	if err := c.save(ctx, creatorPhone, fc); err != nil {
		return "", err
	}
	return promptDatetime, nil
}

func (c *Controller) handleText(ctx context.Context, creatorPhone string, fc Context, input string) (string, error) {
	body := strings.TrimSpace(input)
	if body == "" {
		return promptText, nil
	}
	fc.MessageBody = body
	fc.Stage = StageCollectRecipient
	if err := c.save(ctx, creatorPhone, fc); err != nil {
		return "", err
	}
	return promptRecipient, nil
}

func (c *Controller) handleRecipient(ctx context.Context, creatorPhone string, fc Context, input string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "self", "me", "myself":
		fc.TargetChat = creatorPhone
		fc.TargetType = string(store.TargetUser)
		fc.Stage = StageCollectDatetime
		if err := c.save(ctx, creatorPhone, fc); err != nil {
			return "", err
		}
		return promptDatetime, nil
	case "2", "contact":
		fc.Stage = StageWaitingContact
		if err := c.save(ctx, creatorPhone, fc); err != nil {
			return "", err
		}
		return promptShareContact, nil
	case "3", "phone", "number":
		fc.Stage = StageCollectPhone
		if err := c.save(ctx, creatorPhone, fc); err != nil {
			return "", err
		}
		return promptPhone, nil
	case "4", "group":
		groups, err := c.groupCandidates(ctx, creatorPhone)
		if err != nil {
			c.log.Warn("group listing failed", logx.String("creator", creatorPhone), logx.Err(err))
			return msgGroupsUnavailable + "\n" + promptRecipient, nil
		}
		if len(groups) == 0 {
			return msgNoGroups + "\n" + promptRecipient, nil
		}
		fc.Groups = groups
		fc.Stage = StageSelectGroup
		if err := c.save(ctx, creatorPhone, fc); err != nil {
			return "", err
		}
		return renderGroupList(groups), nil
	default:
		return promptRecipient, nil
	}
}

func (c *Controller) handlePhone(ctx context.Context, creatorPhone string, fc Context, input string) (string, error) {
	phone, err := identity.CanonicalPhone(input)
	if err != nil {
		return msgInvalidPhone + "\n" + promptPhone, nil
	}
	fc.TargetChat = phone
	fc.TargetType = string(store.TargetUser)
	fc.Stage = StageCollectDatetime
	if err := c.save(ctx, creatorPhone, fc); err != nil {
		return "", err
	}
	return promptDatetime, nil
}

func (c *Controller) handleGroupSelect(ctx context.Context, creatorPhone string, fc Context, input string) (string, error) {
	idx, err := strconv.Atoi(strings.TrimSpace(input))
	if err != nil || idx < 1 || idx > len(fc.Groups) {
		return msgInvalidGroupChoice + "\n" + renderGroupList(fc.Groups), nil
	}
	g := fc.Groups[idx-1]
	fc.TargetChat = g.ID
	fc.TargetType = string(store.TargetGroup)
	fc.Stage = StageCollectDatetime
	if err := c.save(ctx, creatorPhone, fc); err != nil {
		return "", err
	}
	return promptDatetime, nil
}

func (c *Controller) handleDatetime(ctx context.Context, creatorPhone string, fc Context, input string) (string, error) {
	wall, ok := c.parseWhen(input)
	if !ok {
		return msgUnparseableDatetime + "\n" + promptDatetime, nil
	}

	sendAt := c.norm.ToServer(wall, fc.OffsetMinutes)
	if !sendAt.After(c.Now().Add(time.Minute)) {
		return msgDatetimeInPast + "\n" + promptDatetime, nil
	}

	// The quota may have been consumed since the flow started.
	res, err := c.gate.Check(ctx, creatorPhone)
	if err != nil {
		return "", fmt.Errorf("quota check: %w", err)
	}
	if !res.Allowed {
		_ = c.sessions.Delete(ctx, creatorPhone)
		return limitReachedMessage(res), nil
	}

	fc.SendAtMilli = sendAt.UnixMilli()
	fc.Stage = StageCollectRecurrence
	if err := c.save(ctx, creatorPhone, fc); err != nil {
		return "", err
	}
	return promptRecurrence, nil
}

func (c *Controller) handleRecurrence(ctx context.Context, creatorPhone string, fc Context, input string) (string, error) {
	choice := strings.ToLower(strings.TrimSpace(input))
	if choice == "none" || choice == "no" || choice == "1" {
		return c.finalize(ctx, creatorPhone, fc, nil)
	}
	if rt, ok := schedule.ParseRecurrenceType(choice); ok {
		fc.RecurrenceType = string(rt)
		fc.Stage = StageCollectRecurrenceEnd
		if err := c.save(ctx, creatorPhone, fc); err != nil {
			return "", err
		}
		return promptRecurrenceEnd, nil
	}
	return promptRecurrence, nil
}

func (c *Controller) handleRecurrenceEnd(ctx context.Context, creatorPhone string, fc Context, input string) (string, error) {
	choice := strings.ToLower(strings.TrimSpace(input))
	rule := &schedule.Rule{Type: schedule.RecurrenceType(fc.RecurrenceType)}

	if choice == "no" || choice == "none" || choice == "no end date" {
		return c.finalize(ctx, creatorPhone, fc, rule)
	}

	date, ok := c.parser.ParseNaturalDate(input)
	if !ok {
		return msgUnparseableDate + "\n" + promptRecurrenceEnd, nil
	}
	// End of the chosen day, in the scheduler's frame.
	end := c.norm.ToServer(c.parser.Combine(date, dateparse.TimeOfDay{Hour: 23, Minute: 59}), fc.OffsetMinutes)
	if !end.After(time.UnixMilli(fc.SendAtMilli)) {
		return msgEndBeforeStart + "\n" + promptRecurrenceEnd, nil
	}
	rule.EndDate = &end
	return c.finalize(ctx, creatorPhone, fc, rule)
}

func (c *Controller) finalize(ctx context.Context, creatorPhone string, fc Context, rule *schedule.Rule) (string, error) {
	job := &store.Job{
		CreatorPhone:    creatorPhone,
		TargetChat:      fc.TargetChat,
		TargetType:      store.TargetType(fc.TargetType),
		MessageBody:     fc.MessageBody,
		SendAt:          time.UnixMilli(fc.SendAtMilli),
		TZOffsetMinutes: fc.OffsetMinutes,
		Recurrence:      rule,
	}
	if err := c.jobs.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}
	if err := c.sessions.Delete(ctx, creatorPhone); err != nil {
		c.log.Warn("failed clearing flow session", logx.String("creator", creatorPhone), logx.Err(err))
	}
	c.log.Info("scheduled message created",
		logx.Int64("job", job.ID),
		logx.String("creator", creatorPhone),
		logx.String("target_type", fc.TargetType),
		logx.Time("send_at", job.SendAt))

	local := c.norm.ToLocal(job.SendAt, fc.OffsetMinutes)
	return confirmationMessage(local, rule), nil
}

// parseWhen splits free text into date and time parts and delegates to the
// parser collaborator. A bare time means "today".
func (c *Controller) parseWhen(input string) (time.Time, bool) {
	fields := strings.Fields(strings.TrimSpace(input))
	if len(fields) == 0 {
		return time.Time{}, false
	}

	timeTok := fields[len(fields)-1]
	dateStr := strings.Join(fields[:len(fields)-1], " ")

	tod, ok := c.parser.ParseTime(timeTok)
	if !ok {
		return time.Time{}, false
	}
	var date time.Time
	if dateStr == "" {
		now := c.Now()
		date = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	} else {
		if date, ok = c.parser.ParseNaturalDate(dateStr); !ok {
			return time.Time{}, false
		}
	}
	return c.parser.Combine(date, tod), true
}

// groupCandidates lists selectable groups, creator's own groups first with
// original order preserved within each partition.
func (c *Controller) groupCandidates(ctx context.Context, creatorPhone string) ([]GroupOption, error) {
	chats, err := c.client.Chats(ctx)
	if err != nil {
		return nil, err
	}
	var member, other []GroupOption
	for _, chat := range chats {
		if !chat.IsGroup {
			continue
		}
		opt := GroupOption{ID: chat.ID, Name: chat.Name}
		for _, p := range chat.Participants {
			if p.Phone == creatorPhone {
				opt.Member = true
				break
			}
		}
		if opt.Member {
			member = append(member, opt)
		} else {
			other = append(other, opt)
		}
	}
	return append(member, other...), nil
}

func (c *Controller) load(ctx context.Context, creatorPhone string) (Context, bool, error) {
	blob, ok, err := c.sessions.Get(ctx, creatorPhone)
	if err != nil || !ok {
		return Context{}, false, err
	}
	var fc Context
	if err := json.Unmarshal(blob, &fc); err != nil {
		// Corrupt blob: drop it so the creator can start over.
		_ = c.sessions.Delete(ctx, creatorPhone)
		return Context{}, false, nil
	}
	return fc, true, nil
}

func (c *Controller) save(ctx context.Context, creatorPhone string, fc Context) error {
	blob, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	return c.sessions.Set(ctx, creatorPhone, blob)
}

func isCancelWord(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cancel", "exit":
		return true
	}
	return false
}
