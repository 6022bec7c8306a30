package stream

import (
	"sync"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/telemetry"
)

// FlushFunc persists the full accumulated content of a streaming message.
type FlushFunc func(messageID, content string, isStreaming bool) error

// CheckpointWriter coalesces the provider's delta firehose into at most one
// store write per quantum per message (trailing-edge throttle). At most one
// flush is ever in flight per message id; a Notify arriving while a write
// is executing is folded into the next flush rather than queued.
type CheckpointWriter struct {
	quantum time.Duration
	flush   FlushFunc

	mu      sync.Mutex
	entries map[string]*checkpointEntry
}

type checkpointEntry struct {
	latest    string
	scheduled bool
	inFlight  bool
	dirty     bool
	lastFlush time.Time
}

// NewCheckpointWriter builds a writer flushing through fn at most once per
// quantum per message id.
func NewCheckpointWriter(quantum time.Duration, fn FlushFunc) *CheckpointWriter {
	if quantum <= 0 {
		quantum = 500 * time.Millisecond
	}
	return &CheckpointWriter{
		quantum: quantum,
		flush:   fn,
		entries: make(map[string]*checkpointEntry),
	}
}

// Notify records the latest full content for the message and schedules a
// flush if none is pending. Contents must be full snapshots, not diffs: a
// failed flush is implicitly retried by the next one.
func (w *CheckpointWriter) Notify(messageID, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.entries[messageID]
	if e == nil {
		e = &checkpointEntry{}
		w.entries[messageID] = e
	}
	e.latest = content
	if e.inFlight {
		e.dirty = true
		return
	}
	if e.scheduled {
		return
	}
	e.scheduled = true
	delay := w.quantum - time.Since(e.lastFlush)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() { w.doFlush(messageID) })
}

func (w *CheckpointWriter) doFlush(messageID string) {
	w.mu.Lock()
	e := w.entries[messageID]
	if e == nil {
		w.mu.Unlock()
		return
	}
	e.scheduled = false
	e.inFlight = true
	content := e.latest
	w.mu.Unlock()

	err := w.flush(messageID, content, true)
	if err != nil {
		// swallowed: the next flush re-sends the full content
		telemetry.CheckpointFailures.Inc()
		logger.Warn("checkpoint_flush_failed", "message", messageID, "error", err)
	} else {
		telemetry.CheckpointFlushes.Inc()
	}

	w.mu.Lock()
	e.inFlight = false
	e.lastFlush = time.Now()
	if e.dirty {
		e.dirty = false
		e.scheduled = true
		time.AfterFunc(w.quantum, func() { w.doFlush(messageID) })
	}
	w.mu.Unlock()
}

// drain wait windows: a short first pass, then one longer grace period.
const (
	drainFirstWait  = 1 * time.Second
	drainSecondWait = 5 * time.Second
	drainPoll       = 25 * time.Millisecond
)

// Drain waits for any scheduled or in-flight flush of the message to
// settle, then forgets the message's entry. The wait is bounded: after
// ~6s it gives up and logs, so a wedged store write cannot hang the
// request path forever.
func (w *CheckpointWriter) Drain(messageID string) {
	if w.waitSettled(messageID, drainFirstWait) {
		w.release(messageID)
		return
	}
	if w.waitSettled(messageID, drainSecondWait) {
		w.release(messageID)
		return
	}
	logger.Error("checkpoint_drain_stuck", "message", messageID)
}

func (w *CheckpointWriter) waitSettled(messageID string, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		w.mu.Lock()
		e := w.entries[messageID]
		idle := e == nil || (!e.scheduled && !e.inFlight && !e.dirty)
		w.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(drainPoll)
	}
}

func (w *CheckpointWriter) release(messageID string) {
	w.mu.Lock()
	delete(w.entries, messageID)
	w.mu.Unlock()
}
