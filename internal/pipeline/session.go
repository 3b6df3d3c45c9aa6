package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meetassist/scribe-engine/internal/capture"
	"github.com/meetassist/scribe-engine/internal/chunker"
	"github.com/meetassist/scribe-engine/internal/transcript"
)

// State of the session pipeline.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateCapturing State = "capturing"
	StateRolling   State = "rolling"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// Session owns the components of one capture-to-transcript run. It is
// created on Start and sealed (but kept readable) on Stop.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Language  string    `json:"language"`
	Provider  string    `json:"provider"`

	EndedAt  time.Time `json:"ended_at,omitempty"`
	EndState State     `json:"end_state,omitempty"`

	recorder  *capture.Recorder
	assembler *chunker.Assembler
	store     *transcript.Store

	inFlight   atomic.Int32
	chunksLost atomic.Int64
	chunksOK   atomic.Int64
	wg         sync.WaitGroup
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("150405.000")))
	}
	return hex.EncodeToString(b[:])
}

// Store exposes the session's ordered transcript.
func (s *Session) Store() *transcript.Store { return s.store }

// Elapsed returns the seconds of audio captured so far.
func (s *Session) Elapsed() float64 {
	if s.recorder == nil {
		return 0
	}
	return s.recorder.Elapsed()
}
