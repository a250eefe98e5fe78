package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Gateway talks to a WhatsApp bridge sidecar over HTTP. The bridge owns
// the actual WhatsApp session; this client only needs send, chat lookup,
// and a readiness probe.
type Gateway struct {
	baseURL string
	selfID  string
	client  *http.Client

	ready atomic.Bool
}

func NewGateway(baseURL, selfID string) *Gateway {
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		selfID:  selfID,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (g *Gateway) SelfID() string { return g.selfID }

// Ready probes the bridge for an active session. The result is cached as
// a hint but every call hits the bridge, matching the dispatcher's
// check-every-cycle contract.
func (g *Gateway) Ready() bool {
	req, err := http.NewRequest(http.MethodGet, g.baseURL+"/ready", nil)
	if err != nil {
		return false
	}
	resp, err := g.client.Do(req)
	if err != nil {
		g.ready.Store(false)
		return false
	}
	defer resp.Body.Close()
	ok := resp.StatusCode == http.StatusOK
	g.ready.Store(ok)
	return ok
}

type sendRequest struct {
	Target string `json:"target"`
	Text   string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

func (g *Gateway) SendMessage(ctx context.Context, targetID, text string) (string, error) {
	body, err := json.Marshal(sendRequest{Target: targetID, Text: text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("gateway send: unexpected status %d body=%q", resp.StatusCode, string(raw))
	}
	var sr sendResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return "", fmt.Errorf("gateway send: decode: %w body=%q", err, string(raw))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("gateway send: missing messageId body=%q", string(raw))
	}
	return sr.MessageID, nil
}

// chatPayload is the bridge's loosely-shaped chat document; participants
// arrive in whatever shape the bridge version emits and are normalized
// here, at the boundary.
type chatPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsGroup      bool   `json:"isGroup"`
	Participants any    `json:"participants"`
}

func (p chatPayload) toChat() Chat {
	return Chat{
		ID:           p.ID,
		Name:         p.Name,
		IsGroup:      p.IsGroup,
		Participants: NormalizeParticipants(p.Participants),
	}
}

func (g *Gateway) Chats(ctx context.Context) ([]Chat, error) {
	var payload []chatPayload
	if err := g.getJSON(ctx, "/chats", &payload); err != nil {
		return nil, err
	}
	chats := make([]Chat, 0, len(payload))
	for _, p := range payload {
		chats = append(chats, p.toChat())
	}
	return chats, nil
}

func (g *Gateway) ChatByID(ctx context.Context, id string) (Chat, error) {
	var payload chatPayload
	if err := g.getJSON(ctx, "/chats/"+id, &payload); err != nil {
		return Chat{}, err
	}
	return payload.toChat(), nil
}

func (g *Gateway) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway %s: unexpected status %d body=%q", path, resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("gateway %s: decode: %w", path, err)
	}
	return nil
}
