package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meetassist/scribe-engine/internal/capture"
	"github.com/meetassist/scribe-engine/internal/database"
	"github.com/meetassist/scribe-engine/internal/pipeline"
	"github.com/meetassist/scribe-engine/internal/quota"
	"github.com/meetassist/scribe-engine/internal/storage"
)

// SessionHandler exposes pipeline control and transcript reads.
type SessionHandler struct {
	ctrl  *pipeline.Controller
	quota *quota.Client
	db    *database.DB
	store storage.AudioStore
}

func NewSessionHandler(ctrl *pipeline.Controller, q *quota.Client, db *database.DB, store storage.AudioStore) *SessionHandler {
	return &SessionHandler{ctrl: ctrl, quota: q, db: db, store: store}
}

// Routes registers session routes on the given router.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/session/start", h.Start)
	r.Post("/session/stop", h.Stop)
	r.Get("/session", h.Status)
	r.Get("/transcript", h.Transcript)
	r.Get("/quota", h.Quota)
	r.Get("/sessions", h.ListSessions)
	r.Get("/sessions/{id}", h.GetSession)
	r.Get("/sessions/{id}/audio/{chunk}", h.ChunkAudio)
}

type sessionResponse struct {
	ID              string  `json:"id"`
	State           string  `json:"state"`
	StartedAt       string  `json:"started_at"`
	EndedAt         string  `json:"ended_at,omitempty"`
	Language        string  `json:"language"`
	Provider        string  `json:"provider"`
	CapturedSeconds float64 `json:"captured_seconds"`
	ChunksInFlight  int     `json:"chunks_in_flight"`
}

func (h *SessionHandler) sessionJSON(sess *pipeline.Session) sessionResponse {
	resp := sessionResponse{
		ID:              sess.ID,
		State:           h.ctrl.State(),
		StartedAt:       sess.StartedAt.Format("2006-01-02T15:04:05Z07:00"),
		Language:        sess.Language,
		Provider:        sess.Provider,
		CapturedSeconds: sess.Elapsed(),
		ChunksInFlight:  h.ctrl.ChunksInFlight(),
	}
	if !sess.EndedAt.IsZero() {
		resp.EndedAt = sess.EndedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

// Start begins a new capture session.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ctrl.Start(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrSessionActive):
			WriteError(w, http.StatusConflict, "session already active")
		case errors.Is(err, quota.ErrExhausted):
			WriteError(w, http.StatusPaymentRequired, "transcription allowance exhausted")
		case errors.Is(err, capture.ErrPermissionDenied):
			WriteError(w, http.StatusForbidden, "microphone permission denied")
		case errors.Is(err, capture.ErrDeviceUnavailable):
			WriteError(w, http.StatusServiceUnavailable, "no audio input device available")
		default:
			WriteErrorDetail(w, http.StatusInternalServerError, "session start failed", err.Error())
		}
		return
	}
	WriteJSON(w, http.StatusCreated, h.sessionJSON(sess))
}

// Stop ends the active session, flushing the partial chunk and draining
// in-flight transmissions before responding.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ctrl.Stop(r.Context())
	if err != nil {
		if errors.Is(err, pipeline.ErrNoSession) {
			WriteError(w, http.StatusConflict, "no active session")
			return
		}
		WriteErrorDetail(w, http.StatusInternalServerError, "session stop failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, h.sessionJSON(sess))
}

// Status reports the controller state and current session, if any.
func (h *SessionHandler) Status(w http.ResponseWriter, r *http.Request) {
	sess := h.ctrl.Session()
	if sess == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"state": h.ctrl.State()})
		return
	}
	resp := h.sessionJSON(sess)
	body := map[string]any{
		"state":   resp.State,
		"session": resp,
	}
	if err := h.ctrl.LastError(); err != nil {
		body["last_error"] = err.Error()
	}
	WriteJSON(w, http.StatusOK, body)
}

// Transcript returns the ordered transcript of the current (or most recent)
// session. With ?entries=true the per-chunk entries are returned instead of
// the flat segment list, exposing lost-chunk gaps.
func (h *SessionHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	sess := h.ctrl.Session()
	if sess == nil {
		WriteError(w, http.StatusNotFound, "no session has run")
		return
	}

	if v, ok := QueryBool(r, "entries"); ok && v {
		WriteJSON(w, http.StatusOK, map[string]any{
			"session_id": sess.ID,
			"entries":    sess.Store().Snapshot(),
		})
		return
	}

	segs := sess.Store().Segments()
	WriteJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"segments":   segs,
	})
}

// Quota reports the remaining transcription allowance.
func (h *SessionHandler) Quota(w http.ResponseWriter, r *http.Request) {
	if !h.quota.Enabled() {
		WriteJSON(w, http.StatusOK, map[string]any{"metered": false})
		return
	}
	remaining, err := h.quota.Remaining(r.Context())
	if err != nil {
		// Fall back to the cached balance so a flaky entitlement service
		// doesn't break the status page.
		if cached, ok := h.quota.LastKnown(); ok {
			WriteJSON(w, http.StatusOK, map[string]any{
				"metered":           true,
				"remaining_minutes": cached,
				"stale":             true,
			})
			return
		}
		WriteErrorDetail(w, http.StatusBadGateway, "quota service unavailable", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"metered":           true,
		"remaining_minutes": remaining,
	})
}

// ListSessions returns persisted past sessions, newest first.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		WriteError(w, http.StatusServiceUnavailable, "session history not configured")
		return
	}
	limit, ok := QueryInt(r, "limit")
	if !ok || limit < 1 || limit > 500 {
		limit = 50
	}
	sessions, err := h.db.ListSessions(r.Context(), limit)
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "session list failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession returns one persisted session with its segments.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		WriteError(w, http.StatusServiceUnavailable, "session history not configured")
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := h.db.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		WriteErrorDetail(w, http.StatusInternalServerError, "session fetch failed", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// ChunkAudio streams one archived chunk's PCM audio. The storage key derives
// from the session's start date, looked up from the live session or the
// session record.
func (h *SessionHandler) ChunkAudio(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		WriteError(w, http.StatusServiceUnavailable, "chunk archival not configured")
		return
	}
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "chunk"))
	if err != nil || index < 0 {
		WriteError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}

	startedAt, ok := h.sessionStartedAt(r, id)
	if !ok {
		WriteError(w, http.StatusNotFound, "session not found")
		return
	}

	key := storage.ChunkKey(startedAt, id, index)
	audio, err := h.store.Open(r.Context(), key)
	if err != nil {
		WriteError(w, http.StatusNotFound, "chunk audio not found (archived audio expires)")
		return
	}
	defer audio.Close()

	w.Header().Set("Content-Type", "audio/L16")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, audio)
}

func (h *SessionHandler) sessionStartedAt(r *http.Request, id string) (time.Time, bool) {
	if live := h.ctrl.Session(); live != nil && live.ID == id {
		return live.StartedAt, true
	}
	if h.db == nil {
		return time.Time{}, false
	}
	sess, err := h.db.GetSession(r.Context(), id)
	if err != nil {
		return time.Time{}, false
	}
	return sess.StartedAt, true
}
