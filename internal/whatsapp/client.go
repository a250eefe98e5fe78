// Package whatsapp defines the transport collaborator contract the engine
// consumes and normalizes the transport's loosely-shaped chat payloads
// into typed values at the boundary.
package whatsapp

import "context"

// Client is the narrow surface of the WhatsApp transport the engine needs.
// The real client lives outside this repo; tests use fakes.
type Client interface {
	// Ready reports whether the transport has an active session identity.
	Ready() bool
	// SelfID is the bot's own chat identity, excluded from group fan-out.
	SelfID() string
	// SendMessage delivers text to a chat and returns the transport-assigned
	// message id. Implementations must honor ctx cancellation.
	SendMessage(ctx context.Context, targetID, text string) (string, error)
	Chats(ctx context.Context) ([]Chat, error)
	ChatByID(ctx context.Context, id string) (Chat, error)
}

// Chat is a normalized chat summary.
type Chat struct {
	ID      string
	Name    string
	IsGroup bool
	// Participants holds the normalized member list for group chats. The
	// raw transport payload may expose members in several shapes; see
	// NormalizeParticipants.
	Participants []Participant
}

// Participant is one group member, already normalized.
type Participant struct {
	ID    string
	Phone string
}
