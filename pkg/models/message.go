package models

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageContext carries optional attribution metadata attached at creation.
type MessageContext struct {
	From string `json:"from,omitempty"`
	UID  string `json:"uid,omitempty"`
}

// Message is a single thread message. Assistant messages start as streaming
// placeholders (IsStreaming=true, empty Content) and are mutated in place by
// checkpoint writes until finalized exactly once.
type Message struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Role     Role   `json:"role"`
	// Content grows monotonically while streaming; frozen once finished.
	Content string `json:"content"`
	// TS is the creation timestamp (ns); used for ordering and staleness.
	TS       int64  `json:"ts"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	// StreamID correlates a client-visible streaming session with this
	// message. It stays on the record after finish; IsStreaming is the
	// authoritative liveness flag.
	StreamID    string          `json:"stream_id,omitempty"`
	IsStreaming bool            `json:"is_streaming,omitempty"`
	Context     *MessageContext `json:"context,omitempty"`
}
