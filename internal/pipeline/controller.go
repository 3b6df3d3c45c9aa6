// Package pipeline orchestrates the capture, chunking, recognition, and
// transcript stages of one session at a time.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/capture"
	"github.com/meetassist/scribe-engine/internal/chunker"
	"github.com/meetassist/scribe-engine/internal/metrics"
	"github.com/meetassist/scribe-engine/internal/quota"
	"github.com/meetassist/scribe-engine/internal/recognize"
	"github.com/meetassist/scribe-engine/internal/segment"
	"github.com/meetassist/scribe-engine/internal/transcript"
)

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("pipeline: a session is already active")
	// ErrNoSession is returned by Stop when nothing is running.
	ErrNoSession = errors.New("pipeline: no active session")
)

// DeviceFactory creates a fresh capture device for each session.
type DeviceFactory func() (capture.Device, error)

// Archiver persists sealed chunk audio. Implementations must be safe for
// concurrent use.
type Archiver interface {
	ArchiveChunk(ctx context.Context, sessionID string, startedAt time.Time, index int, payload []byte) error
}

// SessionSink persists a completed session's transcript.
type SessionSink interface {
	SaveSession(ctx context.Context, rec SessionRecord) error
}

// SessionRecord is the durable form of a finished session.
type SessionRecord struct {
	ID              string
	StartedAt       time.Time
	EndedAt         time.Time
	Language        string
	Provider        string
	DurationSeconds float64
	ChunksTotal     int
	ChunksLost      int
	EndState        string
	Segments        []segment.Segment
}

// Options wires a Controller's collaborators. Bus is required; Quota,
// Archiver, and Sink are optional.
type Options struct {
	NewDevice  DeviceFactory
	Recognizer *recognize.Client
	Quota      *quota.Client
	Bus        *transcript.EventBus
	Archiver   Archiver
	Sink       SessionSink

	ChunkFragments    int
	RolloverInterval  time.Duration
	Language          string
	SampleRate        int
	SpeakerCount      int
	SessionTimestamps bool // shift segment timestamps by chunk start offset

	Log zerolog.Logger
}

// Controller is the state machine the hosting surfaces (HTTP API, MQTT
// bridge) drive. One session runs at a time; finished sessions stay readable
// until the next Start.
type Controller struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	state   State
	session *Session
	lastErr error
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	if opts.ChunkFragments <= 0 {
		opts.ChunkFragments = 5
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Language == "" {
		opts.Language = "en-US"
	}
	return &Controller{
		opts:  opts,
		log:   opts.Log.With().Str("component", "pipeline").Logger(),
		state: StateIdle,
	}
}

// Start begins a new session. Fails if one is active, if the quota balance
// is exhausted, or if the capture device cannot be acquired. Capture-side
// failures pass the state machine through Error and settle back on Idle so
// the caller may retry.
func (c *Controller) Start(ctx context.Context) (*Session, error) {
	// Starting blocks a concurrent Start without letting Stop in: the quota
	// round-trip and device acquisition below can take seconds, and until
	// they succeed there is no session for Stop to act on.
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return nil, ErrSessionActive
	}
	c.state = StateStarting
	c.lastErr = nil
	c.mu.Unlock()

	fail := func(err error) (*Session, error) {
		c.mu.Lock()
		c.state = StateIdle
		c.lastErr = err
		c.mu.Unlock()
		return nil, err
	}

	if c.opts.Quota.Enabled() {
		if err := c.opts.Quota.CheckAvailable(ctx); err != nil {
			return fail(err)
		}
	}

	dev, err := c.opts.NewDevice()
	if err != nil {
		return fail(err)
	}

	sess := &Session{
		ID:        newSessionID(),
		StartedAt: time.Now().UTC(),
		Language:  c.opts.Language,
		Provider:  c.opts.Recognizer.Provider().Name(),
	}
	sess.store = transcript.NewStore(func(e transcript.Entry) {
		c.publishEntry(sess, e)
	}, c.log)
	sess.assembler = chunker.NewAssembler(c.opts.ChunkFragments, c.opts.RolloverInterval, func(ch chunker.Chunk) {
		c.onChunkSealed(sess, ch)
	}, c.log)
	sess.recorder = capture.NewRecorder(dev, func(f capture.Fragment) {
		metrics.FragmentsCapturedTotal.Inc()
		sess.assembler.Add(f)
	}, c.log)

	if err := sess.recorder.Start(ctx); err != nil {
		sess.assembler.Stop()
		return fail(err)
	}

	// Session and state change together: Stop must never observe Capturing
	// with a nil or stale session.
	c.mu.Lock()
	c.session = sess
	c.state = StateCapturing
	c.mu.Unlock()

	c.opts.Bus.Publish(transcript.EventSessionStarted, sess.ID, map[string]any{
		"language": sess.Language,
		"provider": sess.Provider,
	})
	c.log.Info().Str("session", sess.ID).Str("provider", sess.Provider).Msg("session started")
	return sess, nil
}

// Stop seals the partial chunk, lets in-flight transmissions finish, and
// returns the completed session. The final seconds of audio are flushed
// through the pipeline, never dropped.
func (c *Controller) Stop(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.session == nil || (c.state != StateCapturing && c.state != StateRolling) {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	c.state = StateStopping
	sess := c.session
	c.mu.Unlock()

	c.drain(sess, StateIdle)
	return sess, nil
}

// drain shuts the session down in stage order and settles the controller on
// endState.
func (c *Controller) drain(sess *Session, endState State) {
	if final, err := sess.recorder.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("capture stop failed")
	} else if final != nil {
		metrics.FragmentsCapturedTotal.Inc()
		sess.assembler.Add(*final)
	}

	sess.assembler.Stop()
	sess.wg.Wait()

	sess.EndedAt = time.Now().UTC()
	sess.EndState = endState

	if c.opts.Sink != nil {
		rec := SessionRecord{
			ID:              sess.ID,
			StartedAt:       sess.StartedAt,
			EndedAt:         sess.EndedAt,
			Language:        sess.Language,
			Provider:        sess.Provider,
			DurationSeconds: sess.Elapsed(),
			ChunksTotal:     int(sess.chunksOK.Load() + sess.chunksLost.Load()),
			ChunksLost:      int(sess.chunksLost.Load()),
			EndState:        string(endState),
			Segments:        sess.store.Segments(),
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := c.opts.Sink.SaveSession(saveCtx, rec); err != nil {
			c.log.Error().Err(err).Str("session", sess.ID).Msg("session persistence failed")
		}
		cancel()
	}

	c.opts.Bus.Publish(transcript.EventSessionStopped, sess.ID, map[string]any{
		"duration_seconds": sess.Elapsed(),
		"chunks_lost":      sess.chunksLost.Load(),
	})

	// Error is not terminal here: Start accepts it as a restartable state.
	c.mu.Lock()
	c.state = endState
	c.mu.Unlock()

	c.log.Info().
		Str("session", sess.ID).
		Float64("duration_seconds", sess.Elapsed()).
		Int64("chunks_ok", sess.chunksOK.Load()).
		Int64("chunks_lost", sess.chunksLost.Load()).
		Msg("session stopped")
}

// onChunkSealed runs on the assembler's dispatch goroutine, in seal order.
// Transmission itself runs on its own goroutine so a slow response never
// delays the next chunk's dispatch.
func (c *Controller) onChunkSealed(sess *Session, ch chunker.Chunk) {
	metrics.ChunksSealedTotal.WithLabelValues(string(ch.Reason)).Inc()

	if ch.Reason == chunker.SealRollover {
		c.mu.Lock()
		if c.state == StateCapturing {
			c.state = StateRolling
		}
		c.mu.Unlock()
		// The assembler has already opened the next chunk; capture never
		// paused, so the window where state reads Rolling is brief.
		defer func() {
			c.mu.Lock()
			if c.state == StateRolling {
				c.state = StateCapturing
			}
			c.mu.Unlock()
		}()
	}

	sess.wg.Add(1)
	sess.inFlight.Add(1)
	go c.transmit(sess, ch)
}

func (c *Controller) transmit(sess *Session, ch chunker.Chunk) {
	defer sess.wg.Done()
	defer sess.inFlight.Add(-1)

	// In-flight chunks survive Stop: the transmission context is detached
	// from the start context on purpose.
	ctx := context.Background()

	if c.opts.Archiver != nil {
		if err := c.opts.Archiver.ArchiveChunk(ctx, sess.ID, sess.StartedAt, ch.Index, ch.Payload); err != nil {
			c.log.Warn().Err(err).Int("chunk", ch.Index).Msg("chunk archival failed")
		}
	}

	start := time.Now()
	res, err := c.opts.Recognizer.Recognize(ctx, recognize.Request{
		Audio:        ch.Payload,
		SampleRate:   c.opts.SampleRate,
		Language:     sess.Language,
		SpeakerCount: c.opts.SpeakerCount,
	}, ch.Duration)
	metrics.RecognitionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		c.onChunkFailed(sess, ch, err)
		return
	}

	metrics.ChunksRecognizedTotal.Inc()
	metrics.QuotaMinutesChargedTotal.Add(float64(recognize.BillableMinutes(ch.Duration)))
	sess.chunksOK.Add(1)

	var segs []segment.Segment
	if len(res.Words) > 0 {
		segs = segment.Reconstruct(res.Words)
	} else if res.Text != "" {
		segs = segment.ReconstructText(res.Text, 0)
	}
	// An empty word list is silence, not an error: the chunk releases its
	// ordering slot with zero segments.
	if c.opts.SessionTimestamps {
		segs = segment.Shift(segs, ch.StartOffset)
	}
	sess.store.Append(ch.Index, segs)
}

func (c *Controller) onChunkFailed(sess *Session, ch chunker.Chunk, err error) {
	kind := recognize.ErrKind(err)
	metrics.ChunksLostTotal.WithLabelValues(string(kind)).Inc()
	sess.chunksLost.Add(1)
	sess.store.MarkLost(ch.Index)

	c.opts.Bus.Publish(transcript.EventChunkLost, sess.ID, map[string]any{
		"chunk_index": ch.Index,
		"kind":        string(kind),
	})
	c.log.Error().Err(err).Int("chunk", ch.Index).Str("kind", string(kind)).Msg("chunk lost")

	// Quota exhaustion and credential rejection end the session; any other
	// failure is a transcript gap and capture continues.
	if kind == recognize.KindQuota || kind == recognize.KindUnauthenticated {
		c.fatal(sess, err)
	}
}

// fatal forcibly ends the session from inside the pipeline. Runs the drain
// on a new goroutine: the caller is a transmit goroutine the drain must be
// able to wait for.
func (c *Controller) fatal(sess *Session, err error) {
	c.mu.Lock()
	if c.state != StateCapturing && c.state != StateRolling {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	c.lastErr = err
	c.mu.Unlock()

	c.opts.Bus.Publish(transcript.EventSessionError, sess.ID, map[string]any{
		"error": err.Error(),
		"kind":  string(recognize.ErrKind(err)),
	})

	go c.drain(sess, StateError)
}

// State returns the controller state as a string, for health and metrics.
func (c *Controller) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.state)
}

// Session returns the current (or most recently finished) session, nil if
// none has run.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// LastError returns the most recent terminal error, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// CapturedSeconds reports audio captured by the current session.
func (c *Controller) CapturedSeconds() float64 {
	if s := c.Session(); s != nil {
		return s.Elapsed()
	}
	return 0
}

// ChunksInFlight reports transmissions awaiting a recognizer response.
func (c *Controller) ChunksInFlight() int {
	if s := c.Session(); s != nil {
		return int(s.inFlight.Load())
	}
	return 0
}

// SubscriberCount reports live event stream subscribers.
func (c *Controller) SubscriberCount() int {
	return c.opts.Bus.Subscribers()
}

// publishEntry pushes a released transcript entry to subscribers.
func (c *Controller) publishEntry(sess *Session, e transcript.Entry) {
	if e.Lost {
		return
	}
	for _, seg := range e.Segments {
		metrics.SegmentsPublishedTotal.Inc()
		c.opts.Bus.Publish(transcript.EventSegment, sess.ID, map[string]any{
			"chunk_index": e.ChunkIndex,
			"speaker":     seg.Speaker,
			"label":       seg.Label,
			"text":        seg.Text,
			"timestamp":   seg.Timestamp,
			"start":       seg.Start,
		})
	}
}
