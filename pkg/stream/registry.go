// Package stream implements the streaming-completion core: the stream
// registry, the throttled checkpoint writer and the completion coordinator.
package stream

import (
	"errors"

	"chatrelay/pkg/store"
)

// State is the registry view of one in-flight stream.
type State struct {
	MessageID   string
	ThreadID    string
	Content     string
	IsStreaming bool
}

// Registry maps stream ids to the placeholder message being filled. It is
// a derived view over the message store's active-stream index.
type Registry struct{}

// Lookup returns the state of the active stream, or nil when no streaming
// message exists for the id (finished or never created).
func (Registry) Lookup(streamID string) (*State, error) {
	m, err := store.GetMessageByStreamID(streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &State{
		MessageID:   m.ID,
		ThreadID:    m.ThreadID,
		Content:     m.Content,
		IsStreaming: m.IsStreaming,
	}, nil
}

// IsInUse reports whether the stream id maps to an active stream.
func (r Registry) IsInUse(streamID string) (bool, error) {
	s, err := r.Lookup(streamID)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// Finish clears the streaming flag for the stream. Calling it on an
// already-finished or unknown id is a no-op, not an error.
func (Registry) Finish(streamID string) error {
	return store.FinishStream(streamID, "")
}
