package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/pkg/logger"
	"go.uber.org/zap"
)

// chatRequest is the body of POST /api/ai/stream and /api/ai/clear.
type chatRequest struct {
	Prompt  string `json:"prompt"`
	Session string `json:"session,omitempty"`
}

// handleChat answers GET /api/ai/chat?prompt=... synchronously as plain text.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}

	prompt := r.URL.Query().Get("prompt")
	session := r.URL.Query().Get("session")

	completion, _, err := s.answerer.Answer(r.Context(), session, prompt)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, completion)
}

// handleStream answers POST /api/ai/stream as a text/event-stream, emitting
// one data event per generation fragment.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.requireReady(w) {
		return
	}

	req, err := decodeChatRequest(r)
	if errors.Is(err, io.EOF) {
		req = &chatRequest{}
	} else if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	streaming := false
	_, _, err = s.answerer.AnswerStream(r.Context(), req.Session, req.Prompt, func(fragment string) error {
		streaming = true
		if _, err := fmt.Fprintf(w, "data: %s\n\n", fragment); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !streaming {
			writeError(w, err)
			return
		}
		// Headers are gone; all we can do is log and end the stream.
		logger.Get().Error("stream aborted mid-response", zap.Error(err))
	}
}

// handleClear clears the dialogue memory of a session.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}

	session := ""
	if req != nil {
		session = req.Session
	}
	s.answerer.ClearSession(session)

	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// decodeChatRequest parses a JSON chat request body.
func decodeChatRequest(r *http.Request) (*chatRequest, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, io.EOF
	}

	var req chatRequest
	if err := sonic.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	return &req, nil
}
