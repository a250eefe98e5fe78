package flow

import (
	"fmt"
	"strings"
	"time"

	"milo/internal/quota"
	"milo/internal/schedule"
)

const (
	promptText = "What should the message say? (or type *cancel* to stop)"

	promptRecipient = "Who should receive it?\n" +
		"1. Me\n" +
		"2. A shared contact\n" +
		"3. A phone number\n" +
		"4. A group"

	promptShareContact = "Share the contact card of the person who should receive the message."

	promptPhone = "Type the recipient's phone number (with country code)."

	promptDatetime = "When should it be sent? For example: *tomorrow 09:00* or *24.12.2026 18:30*"

	promptRecurrence = "Should it repeat?\n" +
		"1. No, send once\n" +
		"Or reply *daily*, *weekly* or *monthly*."

	promptRecurrenceEnd = "Until when should it repeat? Reply with a date, or *no* for no end date."

	msgFlowCancelled      = "Okay, nothing was scheduled. Back to the menu."
	msgInvalidPhone       = "That doesn't look like a valid phone number (at least 8 digits)."
	msgInvalidGroupChoice = "Please pick one of the numbers from the list."
	msgGroupsUnavailable  = "I couldn't fetch your groups right now."
	msgNoGroups           = "I couldn't find any groups in your chats."

	msgUnparseableDatetime = "I couldn't understand that date and time."
	msgUnparseableDate     = "I couldn't understand that date."
	msgDatetimeInPast      = "That time is already (almost) here. Pick something at least a minute away."
	msgEndBeforeStart      = "The end date has to be after the first send."
)

const localTimeLayout = "Mon, 02 Jan 2006 15:04"

func limitReachedMessage(res quota.Result) string {
	if res.IsPremium {
		return fmt.Sprintf("You've reached your limit of %d scheduled messages. Cancel one to make room.", res.Limit)
	}
	return fmt.Sprintf("You've reached the free limit of %d scheduled messages. Cancel one to make room, or upgrade to premium for more.", res.Limit)
}

func confirmationMessage(localSendAt time.Time, rule *schedule.Rule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled for %s.", localSendAt.Format(localTimeLayout))
	if rule != nil {
		fmt.Fprintf(&b, " Repeats %s", rule.Type)
		if rule.EndDate != nil {
			fmt.Fprintf(&b, " until %s", rule.EndDate.Format("02 Jan 2006"))
		}
		b.WriteString(".")
	}
	return b.String()
}

func renderGroupList(groups []GroupOption) string {
	var b strings.Builder
	b.WriteString("Which group?\n")
	for i, g := range groups {
		marker := ""
		if g.Member {
			marker = " (your group)"
		}
		fmt.Fprintf(&b, "%d. %s%s\n", i+1, g.Name, marker)
	}
	b.WriteString("Reply with a number.")
	return b.String()
}
