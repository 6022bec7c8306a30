package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
	"chatrelay/pkg/stream"
	"chatrelay/pkg/utils"
)

// Chat serves the streaming completion endpoint.
type Chat struct {
	Coordinator *stream.Coordinator
	Limiter     *auth.LimiterPool
	MaxBody     int64
}

// Register registers chat endpoints on the router.
func (h *Chat) Register(r *mux.Router) {
	r.HandleFunc("/chat/stream", h.streamChat).Methods(http.MethodPost)
}

type chatRequest struct {
	ThreadID       string                 `json:"threadId"`
	Provider       string                 `json:"provider"`
	Model          string                 `json:"model"`
	APIKey         string                 `json:"apiKey"`
	Content        string                 `json:"content"`
	StreamID       string                 `json:"streamId"`
	Context        *models.MessageContext `json:"context"`
	ResumeStreamID string                 `json:"resumeStreamId"`
	FinishOnly     bool                   `json:"finishOnly"`
	LockerKey      string                 `json:"lockerKey"`
}

func (req *chatRequest) validate() string {
	if req.ThreadID == "" {
		return "threadId is required"
	}
	if req.Provider == "" {
		return "provider is required"
	}
	if req.Model == "" {
		return "model is required"
	}
	if req.Content == "" && req.ResumeStreamID == "" {
		return "either 'content' or 'resumeStreamId' must be provided"
	}
	if req.Content != "" && req.ResumeStreamID != "" {
		return "'content' and 'resumeStreamId' are mutually exclusive"
	}
	if req.FinishOnly && req.ResumeStreamID == "" {
		return "finishOnly is only valid with resumeStreamId"
	}
	return ""
}

func (h *Chat) streamChat(w http.ResponseWriter, r *http.Request) {
	if h.MaxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBody)
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if msg := req.validate(); msg != "" {
		utils.JSONError(w, http.StatusBadRequest, msg)
		return
	}

	identity := auth.ResolveIdentity(r)
	if identity == nil && req.LockerKey == "" {
		utils.JSONError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	limitKey := req.LockerKey
	if identity != nil {
		limitKey = identity.Subject
	}
	if !h.Limiter.Allow(limitKey) {
		logger.Warn("chat_rate_limited", "key", limitKey)
		utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	th, err := store.GetThread(req.ThreadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "thread not found")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := auth.AssertThreadAccess(th, req.LockerKey, identity); err != nil {
		utils.JSONError(w, http.StatusForbidden, err.Error())
		return
	}

	creq := stream.Request{
		ThreadID:       req.ThreadID,
		Provider:       req.Provider,
		Model:          req.Model,
		APIKey:         req.APIKey,
		Content:        req.Content,
		StreamID:       req.StreamID,
		ResumeStreamID: req.ResumeStreamID,
		FinishOnly:     req.FinishOnly,
		LockerKey:      req.LockerKey,
		Context:        req.Context,
	}
	if identity != nil {
		creq.Subject = identity.Subject
	}

	sess, err := h.Coordinator.Prepare(th, creq)
	if err != nil {
		switch {
		case errors.Is(err, stream.ErrFrozenThread):
			utils.JSONError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrStreamInUse):
			utils.JSONError(w, http.StatusConflict, err.Error())
		default:
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	if sess == nil {
		// resume target gone or finishOnly handled; success, no stream
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "OK")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &relaySink{w: w}
	if f, ok := w.(http.Flusher); ok {
		sink.f = f
	}
	h.Coordinator.Stream(r.Context(), sess, sink)
}

// relaySink frames coordinator output onto the response: `o: <json>` lines
// for control events, raw `t: <text>` frames for deltas (no escaping; the
// consumer concatenates raw bytes).
type relaySink struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s *relaySink) Control(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "o: %s\n", b); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *relaySink) Delta(text string) error {
	if _, err := io.WriteString(s.w, "t: "+text); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *relaySink) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}
