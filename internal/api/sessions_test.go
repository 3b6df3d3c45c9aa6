package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/capture"
	"github.com/meetassist/scribe-engine/internal/pipeline"
	"github.com/meetassist/scribe-engine/internal/recognize"
	"github.com/meetassist/scribe-engine/internal/storage"
	"github.com/meetassist/scribe-engine/internal/transcript"
)

type echoProvider struct{}

func (echoProvider) Recognize(ctx context.Context, req recognize.Request) (*recognize.Result, error) {
	return &recognize.Result{Text: "hello there"}, nil
}
func (echoProvider) Name() string  { return "echo" }
func (echoProvider) Model() string { return "echo-1" }

func newTestHandler(t *testing.T) (*SessionHandler, *capture.QueueDevice) {
	t.Helper()
	dev := capture.NewQueueDevice(64)
	ctrl := pipeline.NewController(pipeline.Options{
		NewDevice:      func() (capture.Device, error) { return dev, nil },
		Recognizer:     recognize.NewClient(echoProvider{}, nil, 3, zerolog.Nop()),
		Bus:            transcript.NewEventBus(64),
		ChunkFragments: 5,
		Language:       "en-US",
		SampleRate:     16000,
		Log:            zerolog.Nop(),
	})
	return NewSessionHandler(ctrl, nil, nil, nil), dev
}

func newTestRouter(h *SessionHandler) chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, r chi.Router, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	h, dev := newTestHandler(t)
	r := newTestRouter(h)

	// Nothing has run yet.
	if rec := do(t, r, "GET", "/transcript"); rec.Code != http.StatusNotFound {
		t.Errorf("transcript before any session: status = %d, want 404", rec.Code)
	}
	if rec := do(t, r, "POST", "/session/stop"); rec.Code != http.StatusConflict {
		t.Errorf("stop with no session: status = %d, want 409", rec.Code)
	}
	rec := do(t, r, "GET", "/session")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: status = %d, want 200", rec.Code)
	}
	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["state"] != "idle" {
		t.Errorf("state = %v, want idle", status["state"])
	}

	// Start a session.
	rec = do(t, r, "POST", "/session/start")
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var started sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if started.ID == "" {
		t.Error("start response has empty session id")
	}
	if started.State != "capturing" {
		t.Errorf("state = %q, want capturing", started.State)
	}

	// A second start must be rejected.
	if rec := do(t, r, "POST", "/session/start"); rec.Code != http.StatusConflict {
		t.Errorf("double start: status = %d, want 409", rec.Code)
	}

	// Feed one chunk's worth of audio so the transcript has content.
	for i := 0; i < 5; i++ {
		if !dev.Push([]byte{byte(i)}, 1.0) {
			t.Fatalf("push fragment %d failed", i)
		}
	}

	// Stop drains in-flight recognition before responding.
	rec = do(t, r, "POST", "/session/stop")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = do(t, r, "GET", "/transcript")
	if rec.Code != http.StatusOK {
		t.Fatalf("transcript: status = %d", rec.Code)
	}
	var tr struct {
		SessionID string `json:"session_id"`
		Segments  []struct {
			Text string `json:"text"`
		} `json:"segments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if tr.SessionID != started.ID {
		t.Errorf("transcript session = %q, want %q", tr.SessionID, started.ID)
	}
	if len(tr.Segments) != 1 || tr.Segments[0].Text != "hello there" {
		t.Errorf("segments = %+v, want one segment %q", tr.Segments, "hello there")
	}
}

func TestTranscriptEntriesView(t *testing.T) {
	h, dev := newTestHandler(t)
	r := newTestRouter(h)

	if rec := do(t, r, "POST", "/session/start"); rec.Code != http.StatusCreated {
		t.Fatalf("start: status = %d", rec.Code)
	}
	for i := 0; i < 5; i++ {
		dev.Push([]byte{byte(i)}, 1.0)
	}
	if rec := do(t, r, "POST", "/session/stop"); rec.Code != http.StatusOK {
		t.Fatalf("stop: status = %d", rec.Code)
	}

	rec := do(t, r, "GET", "/transcript?entries=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("transcript entries: status = %d", rec.Code)
	}
	var body struct {
		Entries []struct {
			ChunkIndex int  `json:"chunk_index"`
			Lost       bool `json:"lost"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Entries) != 1 || body.Entries[0].ChunkIndex != 0 || body.Entries[0].Lost {
		t.Errorf("entries = %+v, want one released entry for chunk 0", body.Entries)
	}
}

func TestQuotaNotMetered(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := do(t, r, "GET", "/quota")
	if rec.Code != http.StatusOK {
		t.Fatalf("quota: status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if metered, _ := body["metered"].(bool); metered {
		t.Error("metered = true without a quota service configured")
	}
}

func TestSessionHistoryRequiresDatabase(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	if rec := do(t, r, "GET", "/sessions"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("list: status = %d, want 503", rec.Code)
	}
	if rec := do(t, r, "GET", "/sessions/abc"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("get: status = %d, want 503", rec.Code)
	}
}

func TestChunkAudio(t *testing.T) {
	t.Run("not_configured", func(t *testing.T) {
		h, _ := newTestHandler(t)
		r := newTestRouter(h)
		if rec := do(t, r, "GET", "/sessions/abc/audio/0"); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("live_session", func(t *testing.T) {
		h, _ := newTestHandler(t)
		store := storage.NewLocalStore(t.TempDir())
		h.store = store
		r := newTestRouter(h)

		if rec := do(t, r, "POST", "/session/start"); rec.Code != http.StatusCreated {
			t.Fatalf("start: status = %d", rec.Code)
		}
		sess := h.ctrl.Session()
		key := storage.ChunkKey(sess.StartedAt, sess.ID, 0)
		if err := store.Save(context.Background(), key, []byte{7, 7, 7}, "audio/L16"); err != nil {
			t.Fatalf("seed archive: %v", err)
		}

		rec := do(t, r, "GET", "/sessions/"+sess.ID+"/audio/0")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if got := rec.Body.Bytes(); len(got) != 3 || got[0] != 7 {
			t.Errorf("body = %v, want the archived payload", got)
		}

		if rec := do(t, r, "GET", "/sessions/"+sess.ID+"/audio/42"); rec.Code != http.StatusNotFound {
			t.Errorf("missing chunk: status = %d, want 404", rec.Code)
		}
		if rec := do(t, r, "GET", "/sessions/unknown/audio/0"); rec.Code != http.StatusNotFound {
			t.Errorf("unknown session: status = %d, want 404", rec.Code)
		}
		if rec := do(t, r, "GET", "/sessions/"+sess.ID+"/audio/nope"); rec.Code != http.StatusBadRequest {
			t.Errorf("bad index: status = %d, want 400", rec.Code)
		}

		do(t, r, "POST", "/session/stop")
	})
}

func TestStopRespondsAfterDrain(t *testing.T) {
	h, dev := newTestHandler(t)
	r := newTestRouter(h)

	if rec := do(t, r, "POST", "/session/start"); rec.Code != http.StatusCreated {
		t.Fatalf("start: status = %d", rec.Code)
	}
	for i := 0; i < 3; i++ {
		dev.Push([]byte{byte(i)}, 1.0)
	}

	done := make(chan int, 1)
	go func() {
		rec := do(t, r, "POST", "/session/stop")
		done <- rec.Code
	}()

	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Fatalf("stop: status = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}

	// The partial chunk sealed on stop must have been recognized.
	rec := do(t, r, "GET", "/transcript")
	var tr struct {
		Segments []json.RawMessage `json:"segments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tr.Segments) != 1 {
		t.Errorf("segments after drain = %d, want 1", len(tr.Segments))
	}
}
