package store

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
)

func openTestStore(t *testing.T) {
	t.Helper()
	logger.Init()
	if err := Open(t.TempDir()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	})
}

func TestSaveMessageAssignsTimestampAndOrders(t *testing.T) {
	openTestStore(t)

	for _, content := range []string{"first", "second", "third"} {
		if _, err := SaveMessage(models.Message{
			ID:       "msg_" + content,
			ThreadID: "th1",
			Role:     models.RoleUser,
			Content:  content,
		}); err != nil {
			t.Fatalf("SaveMessage(%s): %v", content, err)
		}
	}

	msgs, err := ListMessages("th1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages; got %d", len(msgs))
	}
	for i, want := range []string{"first", "second", "third"} {
		if msgs[i].Content != want {
			t.Fatalf("position %d: expected %q; got %q", i, want, msgs[i].Content)
		}
		if msgs[i].TS == 0 {
			t.Fatalf("position %d: timestamp not assigned", i)
		}
	}
}

func TestListMessagesLimitKeepsNewest(t *testing.T) {
	openTestStore(t)

	for _, content := range []string{"a", "b", "c", "d"} {
		if _, err := SaveMessage(models.Message{
			ID: "msg_" + content, ThreadID: "th1", Role: models.RoleUser, Content: content,
		}); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
	msgs, err := ListMessages("th1", 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "c" || msgs[1].Content != "d" {
		t.Fatalf("expected newest two [c d]; got %+v", msgs)
	}
}

func TestStreamClaimRejectsDuplicate(t *testing.T) {
	openTestStore(t)

	first := models.Message{ID: "msg_a", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s1"}
	if _, err := CreateStreamingMessage(first); err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}
	dup := models.Message{ID: "msg_b", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s1"}
	if _, err := CreateStreamingMessage(dup); !errors.Is(err, ErrStreamInUse) {
		t.Fatalf("expected ErrStreamInUse; got %v", err)
	}

	// once finished, the id can be claimed again
	if err := FinishStream("s1", ""); err != nil {
		t.Fatalf("FinishStream: %v", err)
	}
	if _, err := CreateStreamingMessage(dup); err != nil {
		t.Fatalf("reclaim after finish: %v", err)
	}
}

func TestGetMessageByStreamID(t *testing.T) {
	openTestStore(t)

	m := models.Message{ID: "msg_a", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s1"}
	if _, err := CreateStreamingMessage(m); err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}
	got, err := GetMessageByStreamID("s1")
	if err != nil {
		t.Fatalf("GetMessageByStreamID: %v", err)
	}
	if got.ID != "msg_a" || !got.IsStreaming {
		t.Fatalf("unexpected message: %+v", got)
	}

	if _, err := GetMessageByStreamID("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id; got %v", err)
	}

	// finished streams are not resolvable by stream id anymore
	if err := FinishStream("s1", ""); err != nil {
		t.Fatalf("FinishStream: %v", err)
	}
	if _, err := GetMessageByStreamID("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after finish; got %v", err)
	}
}

func TestUpdateStreamingMessageDropsLateWrites(t *testing.T) {
	openTestStore(t)

	m := models.Message{ID: "msg_a", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s1"}
	if _, err := CreateStreamingMessage(m); err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}
	if err := UpdateStreamingMessage("msg_a", "partial", true); err != nil {
		t.Fatalf("UpdateStreamingMessage: %v", err)
	}
	if err := UpdateStreamingMessage("msg_a", "partial longer", false); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// a late checkpoint flush must not resurrect or mutate finished content
	if err := UpdateStreamingMessage("msg_a", "stale overwrite", true); err != nil {
		t.Fatalf("late update: %v", err)
	}
	got, err := GetMessage("msg_a")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got.Content != "partial longer" || got.IsStreaming {
		t.Fatalf("late write mutated finalized message: %+v", got)
	}
}

func TestFinishStreamAppendsMarkerAndIsIdempotent(t *testing.T) {
	openTestStore(t)

	m := models.Message{ID: "msg_a", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s1"}
	if _, err := CreateStreamingMessage(m); err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}
	if err := UpdateStreamingMessage("msg_a", "partial answer", true); err != nil {
		t.Fatalf("UpdateStreamingMessage: %v", err)
	}
	if err := FinishStream("s1", "\nError: Streaming timed out"); err != nil {
		t.Fatalf("FinishStream: %v", err)
	}
	got, err := GetMessage("msg_a")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !strings.HasSuffix(got.Content, "\nError: Streaming timed out") {
		t.Fatalf("marker not appended: %q", got.Content)
	}
	if got.IsStreaming {
		t.Fatal("message still marked streaming after finish")
	}

	// repeated and unknown finishes are no-ops
	if err := FinishStream("s1", "again"); err != nil {
		t.Fatalf("second FinishStream: %v", err)
	}
	if err := FinishStream("never-existed", "x"); err != nil {
		t.Fatalf("unknown FinishStream: %v", err)
	}
	got2, _ := GetMessage("msg_a")
	if got2.Content != got.Content {
		t.Fatalf("idempotent finish mutated content: %q", got2.Content)
	}
}

func TestListStaleStreamingMessages(t *testing.T) {
	openTestStore(t)

	old := models.Message{ID: "msg_old", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s_old",
		TS: time.Now().UTC().Add(-time.Hour).UnixNano()}
	if _, err := CreateStreamingMessage(old); err != nil {
		t.Fatalf("CreateStreamingMessage old: %v", err)
	}
	fresh := models.Message{ID: "msg_new", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s_new"}
	if _, err := CreateStreamingMessage(fresh); err != nil {
		t.Fatalf("CreateStreamingMessage fresh: %v", err)
	}

	cutoff := time.Now().UTC().Add(-15 * time.Minute).UnixNano()
	stale, err := ListStaleStreamingMessages(cutoff)
	if err != nil {
		t.Fatalf("ListStaleStreamingMessages: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "msg_old" {
		t.Fatalf("expected only msg_old stale; got %+v", stale)
	}
}

func TestThreadCRUD(t *testing.T) {
	openTestStore(t)

	th := models.Thread{ID: "th1", Title: "test", SessionID: "sess", CreatedTS: 1, LastMessageAt: 1}
	if err := SaveThread(th); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	got, err := GetThread("th1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.Title != "test" || got.SessionID != "sess" {
		t.Fatalf("unexpected thread: %+v", got)
	}

	if err := UpdateThreadActivity("th1", 42); err != nil {
		t.Fatalf("UpdateThreadActivity: %v", err)
	}
	got, _ = GetThread("th1")
	if got.LastMessageAt != 42 {
		t.Fatalf("activity not bumped: %+v", got)
	}

	all, err := ListThreads()
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 thread; got %d", len(all))
	}

	if _, err := GetThread("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound; got %v", err)
	}
}

func TestDeleteThreadRemovesMessagesAndStreams(t *testing.T) {
	openTestStore(t)

	if err := SaveThread(models.Thread{ID: "th1"}); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	if _, err := SaveMessage(models.Message{ID: "msg_u", ThreadID: "th1", Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if _, err := CreateStreamingMessage(models.Message{ID: "msg_a", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s1"}); err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}

	if err := DeleteThread("th1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := GetThread("th1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("thread survived delete: %v", err)
	}
	if _, err := GetMessage("msg_u"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("message pointer survived delete: %v", err)
	}
	if _, err := GetMessageByStreamID("s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stream index survived delete: %v", err)
	}
	msgs, err := ListMessages("th1", 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived delete: %+v", msgs)
	}
}
