package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"milo/internal/identity"
	"milo/pkg/logx"
)

const rootMenu = "Hi, I'm Milo 👋\n" +
	"1. *schedule* — schedule a message\n" +
	"2. *list* — your pending scheduled messages\n" +
	"3. *cancel <number>* — cancel one of them"

const genericError = "Something went wrong on my side. Please try again."

// HandleIncoming routes one inbound text message and returns the reply.
// A creator with an active composition flow stays inside it; everyone
// else gets the menu commands.
func (a *App) HandleIncoming(ctx context.Context, fromID, text string) string {
	creator, err := identity.CanonicalPhone(fromID)
	if err != nil {
		a.log.Debug("ignoring message from uncanonicalizable sender", logx.String("from", fromID))
		return ""
	}

	if a.flow.Active(ctx, creator) {
		reply, err := a.flow.Handle(ctx, creator, text)
		if err != nil {
			a.log.Error("flow turn failed", logx.String("creator", creator), logx.Err(err))
			return genericError
		}
		return reply
	}

	cmd := strings.ToLower(strings.TrimSpace(text))
	switch {
	case cmd == "schedule" || cmd == "1":
		reply, err := a.flow.Start(ctx, creator)
		if err != nil {
			a.log.Error("flow start failed", logx.String("creator", creator), logx.Err(err))
			return genericError
		}
		return reply
	case cmd == "list" || cmd == "2":
		return a.listPending(ctx, creator)
	case strings.HasPrefix(cmd, "cancel"):
		return a.cancelByIndex(ctx, creator, strings.TrimSpace(strings.TrimPrefix(cmd, "cancel")))
	default:
		return rootMenu
	}
}

// HandleContactShared forwards a transport-extracted contact card into a
// flow waiting on one.
func (a *App) HandleContactShared(ctx context.Context, fromID, sharedPhone string) string {
	creator, err := identity.CanonicalPhone(fromID)
	if err != nil {
		return ""
	}
	reply, err := a.flow.HandleContactShared(ctx, creator, sharedPhone)
	if err != nil {
		a.log.Debug("unexpected contact share", logx.String("creator", creator), logx.Err(err))
		return rootMenu
	}
	return reply
}

func (a *App) listPending(ctx context.Context, creator string) string {
	jobs, err := a.store.ListPending(ctx, creator)
	if err != nil {
		a.log.Error("pending listing failed", logx.String("creator", creator), logx.Err(err))
		return genericError
	}
	if len(jobs) == 0 {
		return "You have no pending scheduled messages."
	}
	var b strings.Builder
	b.WriteString("Your pending scheduled messages:\n")
	for i, j := range jobs {
		local := a.norm.ToLocal(j.SendAt, j.TZOffsetMinutes)
		fmt.Fprintf(&b, "%d. %s — %q", i+1, local.Format("Mon, 02 Jan 2006 15:04"), snippet(j.MessageBody))
		if j.Recurrence != nil {
			fmt.Fprintf(&b, " (repeats %s)", j.Recurrence.Type)
		}
		b.WriteString("\n")
	}
	b.WriteString("Send *cancel <number>* to cancel one.")
	return b.String()
}

// cancelByIndex resolves the creator-visible list index to a job id and
// applies the guarded cancel. Zero rows affected means the job already
// reached a terminal state; that race is fine and surfaced as such.
func (a *App) cancelByIndex(ctx context.Context, creator, arg string) string {
	idx, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || idx < 1 {
		return "Which one? Send *cancel <number>* using the numbers from *list*."
	}
	jobs, err := a.store.ListPending(ctx, creator)
	if err != nil {
		a.log.Error("pending listing failed", logx.String("creator", creator), logx.Err(err))
		return genericError
	}
	if idx > len(jobs) {
		return "There's no scheduled message with that number. Check *list*."
	}
	job := jobs[idx-1]
	n, err := a.store.Cancel(ctx, job.ID, creator)
	if err != nil {
		a.log.Error("cancel failed", logx.Int64("job", job.ID), logx.Err(err))
		return genericError
	}
	if n == 0 {
		return "That message was already sent or cancelled."
	}
	a.log.Info("job cancelled", logx.Int64("job", job.ID), logx.String("creator", creator))
	return "Cancelled."
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= 30 {
		return s
	}
	return string(r[:29]) + "…"
}
