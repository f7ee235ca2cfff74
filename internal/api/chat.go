package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/leadnova/leadnova/internal/agent"
	"github.com/leadnova/leadnova/internal/observability"
)

const (
	defaultUserID   = "default-user"
	maxChatBodySize = 64 << 10
	maxMessageRunes = 4000
)

type chatRequest struct {
	Message string `json:"message"`
}

// Turn failures are reported inside the tagged response with status 200.
// Only malformed requests get an error envelope.
func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	turn, ok := decodeTurn(deps, w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, deps.Chat.Handle(r.Context(), turn))
}

func handleChatStream(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(r.Context(), w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming", false, nil)
		return
	}
	turn, ok := decodeTurn(deps, w, r)
	if !ok {
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resp := deps.Chat.HandleStream(r.Context(), turn, func(delta string) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		if err := writeEvent(w, "delta", map[string]string{"content": delta}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if r.Context().Err() != nil {
		return
	}
	_ = writeEvent(w, "response", resp)
	flusher.Flush()
}

func decodeTurn(deps Dependencies, w http.ResponseWriter, r *http.Request) (agent.Turn, bool) {
	if deps.Chat == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CHAT_NOT_CONFIGURED", "chat dependencies are not configured", false, nil)
		return agent.Turn{}, false
	}

	sessionID := strings.TrimSpace(r.Header.Get(observability.SessionHeader))
	if sessionID == "" {
		sessionID = deps.NewSessionID()
	}
	w.Header().Set(observability.SessionHeader, sessionID)
	userID := strings.TrimSpace(r.Header.Get(observability.UserHeader))
	if userID == "" {
		userID = defaultUserID
	}

	var request chatRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return agent.Turn{}, false
	}
	message := strings.TrimSpace(request.Message)
	if message == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_REQUIRED", "message is required", false, nil)
		return agent.Turn{}, false
	}
	if len([]rune(message)) > maxMessageRunes {
		writeError(r.Context(), w, http.StatusBadRequest, "MESSAGE_TOO_LONG", fmt.Sprintf("message must be at most %d characters", maxMessageRunes), false, nil)
		return agent.Turn{}, false
	}
	return agent.Turn{SessionID: sessionID, UserID: userID, Message: message}, true
}

func writeEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write %s event: %w", event, err)
	}
	return nil
}
