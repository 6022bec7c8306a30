package handlers_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatrelay/pkg/api"
	"chatrelay/pkg/auth"
	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/models"
	"chatrelay/pkg/provider"
	"chatrelay/pkg/store"
	"chatrelay/pkg/stream"
	"chatrelay/pkg/utils"
)

type fakeStreamer struct {
	deltas []provider.Delta
}

func (f *fakeStreamer) StreamCompletion(_ context.Context, _ string, _ []provider.ChatMessage) (<-chan provider.Delta, error) {
	out := make(chan provider.Delta, len(f.deltas))
	for _, d := range f.deltas {
		out <- d
	}
	close(out)
	return out, nil
}

type fakeResolver struct {
	streamer provider.Streamer
}

func (f *fakeResolver) Resolve(_, _, _ string) (provider.Streamer, error) {
	return f.streamer, nil
}

type testEnv struct {
	srv         *httptest.Server
	coordinator *stream.Coordinator
}

func setup(t *testing.T, deltas []provider.Delta) *testEnv {
	t.Helper()
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	config.SetSigningKeys([]string{"test-signing-key"})
	t.Cleanup(func() { config.SetSigningKeys(nil) })

	cw := stream.NewCheckpointWriter(10*time.Millisecond, store.UpdateStreamingMessage)
	coordinator := stream.NewCoordinator(&fakeResolver{streamer: &fakeStreamer{deltas: deltas}}, cw)

	cfg := &config.Config{}
	cfg.Server.MaxBodyBytes = 1 << 20

	handler := api.NewRouter(api.Deps{
		Coordinator: coordinator,
		Limiter:     auth.NewLimiterPool(1000, 1000),
		Cfg:         cfg,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, coordinator: coordinator}
}

func (e *testEnv) post(t *testing.T, body string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/chat/stream", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, string(raw)
}

func signFor(userID string) string {
	mac := hmac.New(sha256.New, []byte("test-signing-key"))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

func mkThread(t *testing.T, th models.Thread) models.Thread {
	t.Helper()
	if th.ID == "" {
		th.ID = utils.GenThreadID()
	}
	if err := store.SaveThread(th); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	return th
}

func TestChatStreamEndToEnd(t *testing.T) {
	env := setup(t, []provider.Delta{{Text: "Hello "}, {Text: "world"}})
	th := mkThread(t, models.Thread{LockerKey: "lk"})

	resp, body := env.post(t, `{"threadId":"`+th.ID+`","provider":"hosted","model":"qwen3-32b","content":"hi","lockerKey":"lk"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	// first frame is the o: metadata line
	if !strings.HasPrefix(body, "o: ") {
		t.Fatalf("body does not open with a control frame: %q", body)
	}
	metaLine := body[:strings.IndexByte(body, '\n')]
	var meta struct {
		MessageID string `json:"messageId"`
		SessionID string `json:"sessionId"`
		Resuming  bool   `json:"resuming"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(metaLine, "o: ")), &meta); err != nil {
		t.Fatalf("meta frame not json: %v (%q)", err, metaLine)
	}
	if meta.MessageID == "" || meta.SessionID == "" || meta.Resuming {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	if !strings.Contains(body, "t: Hello ") || !strings.Contains(body, "t: world") {
		t.Fatalf("delta frames missing: %q", body)
	}
	if !strings.Contains(body, `"done":true`) {
		t.Fatalf("done frame missing: %q", body)
	}

	final, err := store.GetMessage(meta.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if final.Content != "Hello world" || final.IsStreaming {
		t.Fatalf("message not finalized: %+v", final)
	}
}

func TestChatStreamSignedIdentity(t *testing.T) {
	env := setup(t, []provider.Delta{{Text: "ok"}})
	th := mkThread(t, models.Thread{UserID: "alice"})

	resp, body := env.post(t,
		`{"threadId":"`+th.ID+`","provider":"hosted","model":"qwen3-32b","content":"hi"}`,
		map[string]string{"X-User-ID": "alice", "X-User-Signature": signFor("alice")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}

	// the persisted user message is attributed to the signed subject
	msgs, _ := store.ListMessages(th.ID, 0)
	if len(msgs) == 0 || msgs[0].Context == nil || msgs[0].Context.UID != "alice" {
		t.Fatalf("attribution missing: %+v", msgs)
	}
}

func TestChatStreamRequiresAuth(t *testing.T) {
	env := setup(t, nil)
	th := mkThread(t, models.Thread{})

	resp, body := env.post(t, `{"threadId":"`+th.ID+`","provider":"hosted","model":"qwen3-32b","content":"hi"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestChatStreamValidation(t *testing.T) {
	env := setup(t, nil)
	th := mkThread(t, models.Thread{LockerKey: "lk"})

	cases := []string{
		`{"provider":"hosted","model":"m","content":"x","lockerKey":"lk"}`,
		`{"threadId":"` + th.ID + `","model":"m","content":"x","lockerKey":"lk"}`,
		`{"threadId":"` + th.ID + `","provider":"hosted","content":"x","lockerKey":"lk"}`,
		`{"threadId":"` + th.ID + `","provider":"hosted","model":"m","lockerKey":"lk"}`,
		`{"threadId":"` + th.ID + `","provider":"hosted","model":"m","content":"x","resumeStreamId":"s","lockerKey":"lk"}`,
		`{"threadId":"` + th.ID + `","provider":"hosted","model":"m","content":"x","finishOnly":true,"lockerKey":"lk"}`,
		`not json at all`,
	}
	for i, body := range cases {
		resp, out := env.post(t, body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: status %d: %s", i, resp.StatusCode, out)
		}
	}
}

func TestChatStreamUnknownThread(t *testing.T) {
	env := setup(t, nil)

	resp, body := env.post(t, `{"threadId":"th_missing","provider":"hosted","model":"m","content":"x","lockerKey":"lk"}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestChatStreamForbidden(t *testing.T) {
	env := setup(t, nil)
	th := mkThread(t, models.Thread{UserID: "alice", LockerKey: "real"})

	resp, body := env.post(t, `{"threadId":"`+th.ID+`","provider":"hosted","model":"m","content":"x","lockerKey":"guess"}`, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestChatStreamFrozenThread(t *testing.T) {
	env := setup(t, nil)
	th := mkThread(t, models.Thread{LockerKey: "lk", Frozen: true})

	resp, body := env.post(t, `{"threadId":"`+th.ID+`","provider":"hosted","model":"m","content":"x","lockerKey":"lk"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, "frozen") {
		t.Fatalf("expected frozen error, got: %s", body)
	}
}

func TestChatStreamIDConflict(t *testing.T) {
	env := setup(t, nil)
	th := mkThread(t, models.Thread{LockerKey: "lk"})

	if _, err := store.CreateStreamingMessage(models.Message{
		ID: utils.GenMessageID(), ThreadID: th.ID, Role: models.RoleAssistant, StreamID: "dup",
	}); err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}

	resp, body := env.post(t, `{"threadId":"`+th.ID+`","provider":"hosted","model":"m","content":"x","streamId":"dup","lockerKey":"lk"}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
}

func TestChatStreamResumeMissingTargetReturnsOK(t *testing.T) {
	env := setup(t, nil)
	th := mkThread(t, models.Thread{LockerKey: "lk"})

	resp, body := env.post(t, `{"threadId":"`+th.ID+`","provider":"hosted","model":"m","resumeStreamId":"long-gone","lockerKey":"lk"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if body != "OK" {
		t.Fatalf("expected plain OK body; got %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type %q", ct)
	}
}

func TestChatStreamResumeReplays(t *testing.T) {
	env := setup(t, []provider.Delta{{Text: " tail"}})
	th := mkThread(t, models.Thread{LockerKey: "lk"})

	placeholder, err := store.CreateStreamingMessage(models.Message{
		ID: utils.GenMessageID(), ThreadID: th.ID, Role: models.RoleAssistant, StreamID: "s1",
	})
	if err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}
	if err := store.UpdateStreamingMessage(placeholder.ID, "head", true); err != nil {
		t.Fatalf("UpdateStreamingMessage: %v", err)
	}

	resp, body := env.post(t, `{"threadId":"`+th.ID+`","provider":"hosted","model":"m","resumeStreamId":"s1","lockerKey":"lk"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(body, `"resuming":true`) {
		t.Fatalf("resuming flag missing: %q", body)
	}
	if !strings.Contains(body, `"isResume":true`) || !strings.Contains(body, `"content":"head"`) {
		t.Fatalf("replay frame missing: %q", body)
	}

	final, _ := store.GetMessage(placeholder.ID)
	if final.Content != "head tail" || final.IsStreaming {
		t.Fatalf("resumed message not finalized: %+v", final)
	}
}

func TestChatStreamResumeIsScopedToThread(t *testing.T) {
	env := setup(t, nil)
	victim := mkThread(t, models.Thread{LockerKey: "lk-a"})
	attacker := mkThread(t, models.Thread{LockerKey: "lk-b"})

	placeholder, err := store.CreateStreamingMessage(models.Message{
		ID: utils.GenMessageID(), ThreadID: victim.ID, Role: models.RoleAssistant, StreamID: "s-victim",
	})
	if err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}
	if err := store.UpdateStreamingMessage(placeholder.ID, "victim partial answer", true); err != nil {
		t.Fatalf("UpdateStreamingMessage: %v", err)
	}

	// finishOnly against a stream owned by another thread: the caller is
	// authorized on their own thread, but the id resolves to nothing there
	resp, body := env.post(t, `{"threadId":"`+attacker.ID+`","provider":"hosted","model":"m","resumeStreamId":"s-victim","finishOnly":true,"lockerKey":"lk-b"}`, nil)
	if resp.StatusCode != http.StatusOK || body != "OK" {
		t.Fatalf("status %d: %q", resp.StatusCode, body)
	}
	got, _ := store.GetMessage(placeholder.ID)
	if !got.IsStreaming {
		t.Fatal("stream finalized from a foreign thread")
	}

	// a plain resume must not replay the other thread's content either
	resp, body = env.post(t, `{"threadId":"`+attacker.ID+`","provider":"hosted","model":"m","resumeStreamId":"s-victim","lockerKey":"lk-b"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %q", resp.StatusCode, body)
	}
	if body != "OK" {
		t.Fatalf("foreign content leaked: %q", body)
	}
}

func TestChatStreamConcurrentResumeConflicts(t *testing.T) {
	env := setup(t, nil)
	th := mkThread(t, models.Thread{LockerKey: "lk"})

	placeholder, err := store.CreateStreamingMessage(models.Message{
		ID: utils.GenMessageID(), ThreadID: th.ID, Role: models.RoleAssistant, StreamID: "s1",
	})
	if err != nil {
		t.Fatalf("CreateStreamingMessage: %v", err)
	}

	// hold the stream's writer slot, as a relay in flight would
	sess, err := env.coordinator.Prepare(th, stream.Request{
		ThreadID: th.ID, Provider: "hosted", Model: "m", ResumeStreamID: "s1",
	})
	if err != nil || sess == nil {
		t.Fatalf("Prepare: sess=%+v err=%v", sess, err)
	}

	resp, body := env.post(t, `{"threadId":"`+th.ID+`","provider":"hosted","model":"m","resumeStreamId":"s1","lockerKey":"lk"}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	got, _ := store.GetMessage(placeholder.ID)
	if !got.IsStreaming {
		t.Fatal("placeholder finalized by the losing resume")
	}
}

func TestChatStreamRateLimit(t *testing.T) {
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	config.SetSigningKeys(nil)

	cw := stream.NewCheckpointWriter(10*time.Millisecond, store.UpdateStreamingMessage)
	coordinator := stream.NewCoordinator(&fakeResolver{streamer: &fakeStreamer{}}, cw)
	cfg := &config.Config{}
	handler := api.NewRouter(api.Deps{
		Coordinator: coordinator,
		Limiter:     auth.NewLimiterPool(0.001, 1),
		Cfg:         cfg,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv}
	th := mkThread(t, models.Thread{LockerKey: "lk"})

	body := `{"threadId":"` + th.ID + `","provider":"hosted","model":"m","content":"x","lockerKey":"lk"}`
	resp, _ := env.post(t, body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: status %d", resp.StatusCode)
	}
	resp, out := env.post(t, body, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d: %s", resp.StatusCode, out)
	}
}
