package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

var db *pebble.DB

// seq provides a small counter to reduce key collisions when multiple
// messages share the same nanosecond timestamp.
var seq uint64

// claimMu serializes stream-id claims so two concurrent requests supplying
// the same stream id cannot both create a streaming placeholder.
var claimMu sync.Mutex

var (
	// ErrNotFound is returned when a thread or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStreamInUse is returned when a caller-supplied stream id already
	// maps to an active streaming message.
	ErrStreamInUse = errors.New("stream id is already in use")
)

// Key layout:
//   thread:<threadID>:meta                        thread metadata JSON
//   thread:<threadID>:msg:<%020d ts>-<%06d seq>   message JSON (stable key,
//                                                 rewritten in place while streaming)
//   msg:<messageID>                               pointer to the message key
//   stream:<streamID>                             message id of the active stream

// Open opens (or creates) a Pebble database at the given path and keeps
// a global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func threadMetaKey(threadID string) []byte {
	return []byte("thread:" + threadID + ":meta")
}

func messageKey(threadID string, ts int64, s uint64) []byte {
	return []byte(fmt.Sprintf("thread:%s:msg:%020d-%06d", threadID, ts, s))
}

func messagePtrKey(msgID string) []byte {
	return []byte("msg:" + msgID)
}

func streamKey(streamID string) []byte {
	return []byte("stream:" + streamID)
}

// SaveMessage persists a new message, assigning ID and TS when absent, and
// returns the stored message. It never mutates existing rows.
func SaveMessage(msg models.Message) (models.Message, error) {
	if db == nil {
		return msg, fmt.Errorf("pebble not opened; call store.Open first")
	}
	if msg.ThreadID == "" {
		return msg, fmt.Errorf("message thread id required")
	}
	if msg.TS == 0 {
		msg.TS = time.Now().UTC().UnixNano()
	}
	s := atomic.AddUint64(&seq, 1)
	key := messageKey(msg.ThreadID, msg.TS, s)
	data, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("failed to marshal message: %w", err)
	}
	b := db.NewBatch()
	defer b.Close()
	_ = b.Set(key, data, nil)
	_ = b.Set(messagePtrKey(msg.ID), key, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("save_message_failed", "thread", msg.ThreadID, "id", msg.ID, "error", err)
		return msg, err
	}
	logger.Debug("message_saved", "thread", msg.ThreadID, "id", msg.ID)
	return msg, nil
}

// CreateStreamingMessage atomically claims the message's stream id and
// persists the placeholder. Returns ErrStreamInUse when the stream id
// already maps to an active stream. The claim lock closes the
// check-then-insert race for caller-supplied ids.
func CreateStreamingMessage(msg models.Message) (models.Message, error) {
	if db == nil {
		return msg, fmt.Errorf("pebble not opened; call store.Open first")
	}
	if msg.StreamID == "" {
		return msg, fmt.Errorf("streaming message requires a stream id")
	}
	msg.IsStreaming = true

	claimMu.Lock()
	defer claimMu.Unlock()

	if _, closer, err := db.Get(streamKey(msg.StreamID)); err == nil {
		_ = closer.Close()
		return msg, ErrStreamInUse
	} else if err != pebble.ErrNotFound {
		return msg, err
	}

	if msg.TS == 0 {
		msg.TS = time.Now().UTC().UnixNano()
	}
	s := atomic.AddUint64(&seq, 1)
	key := messageKey(msg.ThreadID, msg.TS, s)
	data, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("failed to marshal message: %w", err)
	}
	b := db.NewBatch()
	defer b.Close()
	_ = b.Set(key, data, nil)
	_ = b.Set(messagePtrKey(msg.ID), key, nil)
	_ = b.Set(streamKey(msg.StreamID), []byte(msg.ID), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("create_streaming_message_failed", "thread", msg.ThreadID, "stream", msg.StreamID, "error", err)
		return msg, err
	}
	logger.Info("streaming_message_created", "thread", msg.ThreadID, "id", msg.ID, "stream", msg.StreamID)
	return msg, nil
}

// GetMessage loads a message by id.
func GetMessage(msgID string) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, fmt.Errorf("pebble not opened; call store.Open first")
	}
	ptr, closer, err := db.Get(messagePtrKey(msgID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return m, ErrNotFound
		}
		return m, err
	}
	key := append([]byte(nil), ptr...)
	_ = closer.Close()
	v, closer, err := db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return m, ErrNotFound
		}
		return m, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &m); err != nil {
		return m, fmt.Errorf("invalid stored message %s: %w", msgID, err)
	}
	return m, nil
}

// GetMessageByStreamID returns the unique active streaming message for a
// stream id, or ErrNotFound when none exists or the stream has finished.
func GetMessageByStreamID(streamID string) (models.Message, error) {
	var m models.Message
	if db == nil {
		return m, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(streamKey(streamID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return m, ErrNotFound
		}
		return m, err
	}
	msgID := string(v)
	_ = closer.Close()
	m, err = GetMessage(msgID)
	if err != nil {
		return m, err
	}
	if !m.IsStreaming {
		return m, ErrNotFound
	}
	return m, nil
}

// UpdateStreamingMessage rewrites the content of a live streaming message
// and optionally finalizes it. Updates against an already-finalized message
// are silently dropped so late checkpoint flushes cannot resurrect or
// mutate finished content.
func UpdateStreamingMessage(msgID, content string, isStreaming bool) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	m, err := GetMessage(msgID)
	if err != nil {
		return err
	}
	if !m.IsStreaming {
		return nil
	}
	m.Content = content
	m.IsStreaming = isStreaming
	return rewriteMessage(m, !isStreaming)
}

// FinishStream marks the streaming message for a stream id as finished,
// optionally appending a marker to its content. Unknown or already-finished
// ids are a no-op.
func FinishStream(streamID, appendMarker string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	m, err := GetMessageByStreamID(streamID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	m.Content += appendMarker
	m.IsStreaming = false
	if err := rewriteMessage(m, true); err != nil {
		return err
	}
	logger.Info("stream_finished", "stream", streamID, "id", m.ID)
	return nil
}

// rewriteMessage stores the message back under its stable key. When
// clearIndex is set the stream index entry is removed in the same batch.
func rewriteMessage(m models.Message, clearIndex bool) error {
	ptr, closer, err := db.Get(messagePtrKey(m.ID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return ErrNotFound
		}
		return err
	}
	key := append([]byte(nil), ptr...)
	_ = closer.Close()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	b := db.NewBatch()
	defer b.Close()
	_ = b.Set(key, data, nil)
	if clearIndex && m.StreamID != "" {
		_ = b.Delete(streamKey(m.StreamID), nil)
	}
	return b.Commit(pebble.Sync)
}

// ListMessages returns all messages for a thread in insertion order. A
// positive limit keeps only the newest messages.
func ListMessages(threadID string, limit int) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("invalid message JSON at %s: %w", iter.Key(), err)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ListStaleStreamingMessages returns streaming messages created at or
// before olderThan (ns). Scans the active-stream index so cost is bounded
// by the number of in-flight streams.
func ListStaleStreamingMessages(olderThan int64) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("stream:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		m, err := GetMessage(string(iter.Value()))
		if err != nil {
			// dangling index entries are skipped, not fatal
			logger.Warn("stale_scan_dangling_index", "key", string(iter.Key()), "error", err)
			continue
		}
		if m.IsStreaming && m.TS <= olderThan {
			out = append(out, m)
		}
	}
	return out, iter.Error()
}

// SaveThread stores thread metadata under a reserved key.
func SaveThread(th models.Thread) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := db.Set(threadMetaKey(th.ID), data, pebble.Sync); err != nil {
		logger.Error("save_thread_failed", "thread", th.ID, "error", err)
		return err
	}
	logger.Debug("thread_saved", "thread", th.ID)
	return nil
}

// GetThread returns the stored thread metadata for a given thread ID.
func GetThread(threadID string) (models.Thread, error) {
	var th models.Thread
	if db == nil {
		return th, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(threadMetaKey(threadID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return th, ErrNotFound
		}
		return th, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &th); err != nil {
		return th, fmt.Errorf("invalid thread metadata %s: %w", threadID, err)
	}
	return th, nil
}

// UpdateThreadActivity bumps the thread's last-activity timestamp (ns).
func UpdateThreadActivity(threadID string, ts int64) error {
	th, err := GetThread(threadID)
	if err != nil {
		return err
	}
	th.LastMessageAt = ts
	return SaveThread(th)
}

// ListThreads returns all saved thread metadata.
func ListThreads() ([]models.Thread, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("thread:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !bytes.HasSuffix(iter.Key(), []byte(":meta")) {
			continue
		}
		var th models.Thread
		if err := json.Unmarshal(iter.Value(), &th); err != nil {
			return nil, fmt.Errorf("invalid thread metadata at %s: %w", iter.Key(), err)
		}
		out = append(out, th)
	}
	return out, iter.Error()
}

// DeleteThread removes a thread's metadata, messages, pointers and any
// active stream index entries.
func DeleteThread(threadID string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	msgs, err := ListMessages(threadID, 0)
	if err != nil {
		return err
	}
	b := db.NewBatch()
	defer b.Close()
	_ = b.Delete(threadMetaKey(threadID), nil)
	for _, m := range msgs {
		_ = b.Delete(messagePtrKey(m.ID), nil)
		if m.StreamID != "" {
			_ = b.Delete(streamKey(m.StreamID), nil)
		}
	}
	prefix := []byte("thread:" + threadID + ":msg:")
	end := append(append([]byte(nil), prefix...), 0xff)
	_ = b.DeleteRange(prefix, end, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("delete_thread_failed", "thread", threadID, "error", err)
		return err
	}
	logger.Info("thread_deleted", "thread", threadID)
	return nil
}
