package whatsapp

import (
	"context"
	"errors"
	"fmt"

	"milo/internal/identity"
)

var ErrNoParticipants = errors.New("group has no retrievable participant list")

// NormalizeParticipants flattens the participant shapes different transport
// versions expose into one typed sequence. Accepted element shapes:
//
//   - plain string id ("4915112345678@s.whatsapp.net")
//   - map with "id" as a string
//   - map with "id" as a nested serialized id ({"_serialized": ...})
//   - map nested under "groupMetadata" -> "participants"
//
// Entries whose phone cannot be canonicalized are dropped.
func NormalizeParticipants(raw any) []Participant {
	items := participantItems(raw)
	out := make([]Participant, 0, len(items))
	for _, it := range items {
		id := participantID(it)
		if id == "" {
			continue
		}
		phone, err := identity.CanonicalPhone(id)
		if err != nil {
			continue
		}
		out = append(out, Participant{ID: id, Phone: phone})
	}
	return out
}

func participantItems(raw any) []any {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		return v
	case []Participant:
		items := make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
		return items
	case map[string]any:
		if meta, ok := v["groupMetadata"].(map[string]any); ok {
			return participantItems(meta["participants"])
		}
		return participantItems(v["participants"])
	default:
		return nil
	}
}

func participantID(item any) string {
	switch v := item.(type) {
	case string:
		return v
	case Participant:
		return v.ID
	case map[string]any:
		switch id := v["id"].(type) {
		case string:
			return id
		case map[string]any:
			if s, ok := id["_serialized"].(string); ok {
				return s
			}
			if u, ok := id["user"].(string); ok {
				return u
			}
		}
	}
	return ""
}

// ResolveGroup fetches a group chat and its normalized participant list.
// It is the single group-resolution path shared by the flow controller and
// the dispatcher, so both sides see identical membership semantics.
func ResolveGroup(ctx context.Context, c Client, groupID string) (Chat, []Participant, error) {
	chat, err := c.ChatByID(ctx, groupID)
	if err != nil {
		return Chat{}, nil, fmt.Errorf("resolve group %s: %w", groupID, err)
	}
	if !chat.IsGroup {
		return Chat{}, nil, fmt.Errorf("chat %s is not a group", groupID)
	}
	if len(chat.Participants) == 0 {
		return Chat{}, nil, ErrNoParticipants
	}
	return chat, chat.Participants, nil
}
