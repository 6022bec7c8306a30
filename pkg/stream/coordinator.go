package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/provider"
	"chatrelay/pkg/store"
	"chatrelay/pkg/telemetry"
	"chatrelay/pkg/utils"
)

// ErrFrozenThread rejects new content against a frozen thread.
var ErrFrozenThread = errors.New("can't send new messages to frozen thread")

// Request is a validated chat completion request.
type Request struct {
	ThreadID string
	Provider string
	Model    string
	APIKey   string
	// Content starts a new stream; ResumeStreamID resumes an existing one.
	// Exactly one is set (enforced by the HTTP layer).
	Content        string
	StreamID       string
	ResumeStreamID string
	FinishOnly     bool
	LockerKey      string
	// Subject is the authenticated caller identity, empty for locker-key
	// access.
	Subject string
	Context *models.MessageContext
}

// Session is an accepted stream ready to relay provider output.
type Session struct {
	Request
	MessageID      string
	SessionID      string
	Resuming       bool
	InitialContent string
}

// Sink receives the relay's output framing: control events and raw text
// deltas. Delta errors mean the caller went away; the relay continues
// regardless so checkpoints still capture the full answer.
type Sink interface {
	Control(v any) error
	Delta(text string) error
}

type metaEvent struct {
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
	Resuming  bool   `json:"resuming"`
}

type resumeEvent struct {
	Content  string `json:"content"`
	IsResume bool   `json:"isResume"`
}

type doneEvent struct {
	Done bool `json:"done"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// Coordinator orchestrates one completion stream: validate, start or
// resume, relay deltas while checkpointing, finalize on every path.
type Coordinator struct {
	Providers   provider.Resolver
	Checkpoints *CheckpointWriter
	Registry    Registry

	// active holds stream ids with a relay loop in flight in this process,
	// so a resume cannot attach a second writer to a placeholder that is
	// already being filled.
	mu     sync.Mutex
	active map[string]struct{}
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(resolver provider.Resolver, cw *CheckpointWriter) *Coordinator {
	return &Coordinator{Providers: resolver, Checkpoints: cw, active: make(map[string]struct{})}
}

// claimWriter marks the stream as having an in-flight relay. Returns false
// when another relay already owns it.
func (c *Coordinator) claimWriter(streamID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[streamID]; ok {
		return false
	}
	c.active[streamID] = struct{}{}
	return true
}

func (c *Coordinator) releaseWriter(streamID string) {
	c.mu.Lock()
	delete(c.active, streamID)
	c.mu.Unlock()
}

// Prepare validates the request against the thread and either creates a
// fresh stream (user message + assistant placeholder) or resolves an
// existing one. A (nil, nil) return means the request was satisfied
// without streaming: the resume target is already gone, or finishOnly
// completed. The caller responds plain OK in that case.
func (c *Coordinator) Prepare(th models.Thread, req Request) (*Session, error) {
	if req.ResumeStreamID != "" {
		st, err := c.Registry.Lookup(req.ResumeStreamID)
		if err != nil {
			return nil, err
		}
		if st == nil || st.ThreadID != req.ThreadID {
			// already completed and cleaned up (the caller is likely
			// retrying after a race), or a stream id that belongs to a
			// different thread; either way the id is unknown to this
			// thread and there is nothing to stream
			return nil, nil
		}
		if req.FinishOnly {
			if err := c.Registry.Finish(req.ResumeStreamID); err != nil {
				return nil, err
			}
			_ = store.UpdateThreadActivity(req.ThreadID, time.Now().UTC().UnixNano())
			return nil, nil
		}
		if !c.claimWriter(req.ResumeStreamID) {
			return nil, store.ErrStreamInUse
		}
		return &Session{
			Request:        req,
			MessageID:      st.MessageID,
			SessionID:      req.ResumeStreamID,
			Resuming:       true,
			InitialContent: st.Content,
		}, nil
	}

	if th.Frozen {
		return nil, ErrFrozenThread
	}

	streamID := req.StreamID
	if streamID != "" {
		inUse, err := c.Registry.IsInUse(streamID)
		if err != nil {
			return nil, err
		}
		if inUse {
			return nil, store.ErrStreamInUse
		}
	} else {
		streamID = utils.GenStreamID()
	}
	if !c.claimWriter(streamID) {
		return nil, store.ErrStreamInUse
	}

	uid := req.Subject
	if uid == "" {
		uid = "N/A"
	}
	msgCtx := &models.MessageContext{UID: uid}
	if req.Context != nil {
		msgCtx.From = req.Context.From
	}
	if _, err := store.SaveMessage(models.Message{
		ID:       utils.GenMessageID(),
		ThreadID: req.ThreadID,
		Role:     models.RoleUser,
		Content:  req.Content,
		Provider: req.Provider,
		Model:    req.Model,
		Context:  msgCtx,
	}); err != nil {
		c.releaseWriter(streamID)
		return nil, err
	}

	// The claim inside CreateStreamingMessage is the authoritative guard;
	// the IsInUse check above only gives callers a clean early rejection.
	placeholder, err := store.CreateStreamingMessage(models.Message{
		ID:       utils.GenMessageID(),
		ThreadID: req.ThreadID,
		Role:     models.RoleAssistant,
		Content:  "",
		Provider: req.Provider,
		Model:    req.Model,
		StreamID: streamID,
	})
	if err != nil {
		c.releaseWriter(streamID)
		return nil, err
	}

	return &Session{
		Request:   req,
		MessageID: placeholder.ID,
		SessionID: streamID,
	}, nil
}

// Stream relays provider deltas for a prepared session. Every path ends
// with a drained checkpoint and a finished stream; errors never leave the
// placeholder stuck in a streaming state.
func (c *Coordinator) Stream(ctx context.Context, s *Session, sink Sink) {
	defer c.releaseWriter(s.SessionID)
	telemetry.StreamsStarted.Inc()
	telemetry.ActiveStreams.Inc()
	defer telemetry.ActiveStreams.Dec()

	clientGone := false
	_ = sink.Control(metaEvent{MessageID: s.MessageID, SessionID: s.SessionID, Resuming: s.Resuming})
	if s.Resuming && s.InitialContent != "" {
		_ = sink.Control(resumeEvent{Content: s.InitialContent, IsResume: true})
	}

	acc := s.InitialContent

	history, err := store.ListMessages(s.ThreadID, 0)
	if err != nil {
		c.fail(s, sink, acc, err, clientGone)
		return
	}
	streamer, err := c.Providers.Resolve(s.Provider, s.Model, s.APIKey)
	if err != nil {
		c.fail(s, sink, acc, err, clientGone)
		return
	}

	// Detached from the caller's lifetime: if the caller disconnects the
	// provider iteration keeps running so the checkpoint writer still
	// captures the full answer.
	deltas, err := streamer.StreamCompletion(
		context.WithoutCancel(ctx),
		provider.BuildSystemPrompt(s.Model),
		provider.BuildHistory(history, s.MessageID),
	)
	if err != nil {
		c.fail(s, sink, acc, err, clientGone)
		return
	}

	for d := range deltas {
		if d.Err != nil {
			c.fail(s, sink, acc, d.Err, clientGone)
			return
		}
		if d.Text == "" {
			continue
		}
		acc += d.Text
		telemetry.ProviderDeltas.Inc()
		if !clientGone {
			if err := sink.Delta(d.Text); err != nil {
				clientGone = true
				logger.Warn("caller_disconnected", "stream", s.SessionID, "error", err)
			}
		}
		c.Checkpoints.Notify(s.MessageID, acc)
	}

	c.Checkpoints.Notify(s.MessageID, acc)
	c.Checkpoints.Drain(s.MessageID)
	if err := c.Registry.Finish(s.SessionID); err != nil {
		logger.Error("finish_stream_failed", "stream", s.SessionID, "error", err)
	}
	_ = store.UpdateThreadActivity(s.ThreadID, time.Now().UTC().UnixNano())
	telemetry.StreamsFinished.WithLabelValues("ok").Inc()
	logger.Info("stream_completed", "stream", s.SessionID, "chars", len(acc))
	if !clientGone {
		_ = sink.Control(doneEvent{Done: true})
	}
}

// fail appends a visible error marker to the accumulated content, persists
// it, finalizes the stream and surfaces a terminal error event. The
// partial answer is preserved.
func (c *Coordinator) fail(s *Session, sink Sink, acc string, cause error, clientGone bool) {
	logger.Error("stream_error", "stream", s.SessionID, "error", cause)
	acc += "\n\nError encountered, stream stopped: " + cause.Error()
	c.Checkpoints.Notify(s.MessageID, acc)
	c.Checkpoints.Drain(s.MessageID)
	if err := c.Registry.Finish(s.SessionID); err != nil {
		logger.Error("finish_stream_failed", "stream", s.SessionID, "error", err)
	}
	telemetry.StreamsFinished.WithLabelValues("error").Inc()
	if !clientGone {
		_ = sink.Control(errorEvent{Error: "\n```\n" + cause.Error() + "\n```"})
	}
}
