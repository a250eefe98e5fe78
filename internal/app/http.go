package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"milo/pkg/logx"
)

// inboundMessage is what the bridge sidecar POSTs for each user message.
// SharedPhone is set when the message was a contact card.
type inboundMessage struct {
	From        string `json:"from"`
	Text        string `json:"text"`
	SharedPhone string `json:"sharedPhone,omitempty"`
}

type inboundReply struct {
	Reply string `json:"reply,omitempty"`
}

// ServeInbound runs the webhook endpoint the bridge delivers inbound
// messages to. It blocks until ctx is done.
func (a *App) ServeInbound(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /incoming", func(w http.ResponseWriter, r *http.Request) {
		var msg inboundMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var reply string
		if msg.SharedPhone != "" {
			reply = a.HandleContactShared(r.Context(), msg.From, msg.SharedPhone)
		} else {
			reply = a.HandleIncoming(r.Context(), msg.From, msg.Text)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(inboundReply{Reply: reply})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("inbound webhook listening", logx.String("addr", addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
