package models

type Thread struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// SessionID is the opaque session of the creator; also usable to list
	// anonymous threads (clients manage meaning).
	SessionID string `json:"session_id,omitempty"`
	// UserID is the owning identity subject, empty for anonymous threads.
	UserID string `json:"user_id,omitempty"`
	// LockerKey is a capability token granting access to this thread in
	// place of session auth.
	LockerKey string `json:"locker_key,omitempty"`
	// Frozen threads reject new content-bearing requests.
	Frozen bool `json:"frozen,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// LastMessageAt is bumped when a stream finishes or a message lands (ns)
	LastMessageAt int64 `json:"last_message_at,omitempty"`
}
