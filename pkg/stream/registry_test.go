package stream

import (
	"testing"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/store"
)

func TestRegistryLookupAndFinish(t *testing.T) {
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	var reg Registry

	st, err := reg.Lookup("unknown")
	if err != nil || st != nil {
		t.Fatalf("unknown id: st=%+v err=%v", st, err)
	}

	if _, err := store.CreateStreamingMessage(models.Message{
		ID: "msg_a", ThreadID: "th1", Role: models.RoleAssistant, StreamID: "s1",
	}); err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}

	st, err = reg.Lookup("s1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if st == nil || st.MessageID != "msg_a" || st.ThreadID != "th1" || !st.IsStreaming {
		t.Fatalf("unexpected state: %+v", st)
	}

	inUse, err := reg.IsInUse("s1")
	if err != nil || !inUse {
		t.Fatalf("IsInUse(s1) = %v, %v", inUse, err)
	}

	// finishing twice is fine, as is finishing an id that never existed
	if err := reg.Finish("s1"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := reg.Finish("s1"); err != nil {
		t.Fatalf("second Finish: %v", err)
	}
	if err := reg.Finish("ghost"); err != nil {
		t.Fatalf("Finish(ghost): %v", err)
	}

	st, err = reg.Lookup("s1")
	if err != nil || st != nil {
		t.Fatalf("finished stream still visible: st=%+v err=%v", st, err)
	}
}
