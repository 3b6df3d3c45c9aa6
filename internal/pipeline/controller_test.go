package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/capture"
	"github.com/meetassist/scribe-engine/internal/recognize"
	"github.com/meetassist/scribe-engine/internal/transcript"
)

// scriptedProvider returns canned results keyed by call order.
type scriptedProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, req recognize.Request) (*recognize.Result, error)
}

func (p *scriptedProvider) Recognize(ctx context.Context, req recognize.Request) (*recognize.Result, error) {
	p.mu.Lock()
	call := p.calls
	p.calls++
	p.mu.Unlock()
	return p.fn(call, req)
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-1" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestController(t *testing.T, dev *capture.QueueDevice, p recognize.Provider) *Controller {
	t.Helper()
	return NewController(Options{
		NewDevice:      func() (capture.Device, error) { return dev, nil },
		Recognizer:     recognize.NewClient(p, nil, 3, zerolog.Nop()),
		Bus:            transcript.NewEventBus(64),
		ChunkFragments: 5,
		Language:       "en-US",
		SampleRate:     16000,
		Log:            zerolog.Nop(),
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wordsFor(call int) []recognize.Word {
	return []recognize.Word{
		{Text: fmt.Sprintf("chunk%d", call), Speaker: 1, Start: 0, End: 0.5},
	}
}

// chunkOf recovers the chunk index from a test payload where fragment i
// carries the single byte i and chunks hold five fragments.
func chunkOf(req recognize.Request) int {
	if len(req.Audio) == 0 {
		return -1
	}
	return int(req.Audio[0]) / 5
}

// Twelve one-second fragments with the default chunk size of five: two full
// chunks plus a partial third sealed on stop.
func TestControllerEndToEnd(t *testing.T) {
	provider := &scriptedProvider{fn: func(call int, req recognize.Request) (*recognize.Result, error) {
		return &recognize.Result{Words: wordsFor(chunkOf(req))}, nil
	}}
	dev := capture.NewQueueDevice(16)
	c := newTestController(t, dev, provider)

	sess, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if c.State() != string(StateCapturing) {
		t.Errorf("state = %q, want capturing", c.State())
	}

	for i := 0; i < 12; i++ {
		if !dev.Push([]byte{byte(i)}, 1.0) {
			t.Fatalf("push %d rejected", i)
		}
	}
	waitFor(t, "all fragments captured", func() bool { return c.CapturedSeconds() == 12 })

	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != string(StateIdle) {
		t.Errorf("state after stop = %q, want idle", c.State())
	}

	entries := sess.Store().Snapshot()
	if len(entries) != 3 {
		t.Fatalf("got %d chunks, want 3", len(entries))
	}
	for i, e := range entries {
		if e.ChunkIndex != i {
			t.Errorf("entry %d has chunk index %d", i, e.ChunkIndex)
		}
		if e.Lost {
			t.Errorf("chunk %d marked lost", i)
		}
	}

	segs := sess.Store().Segments()
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	for i, s := range segs {
		if want := fmt.Sprintf("chunk%d", i); s.Text != want {
			t.Errorf("segment %d text = %q, want %q", i, s.Text, want)
		}
	}
	if provider.callCount() != 3 {
		t.Errorf("provider called %d times, want 3", provider.callCount())
	}
}

func TestControllerOrderingWithOutOfOrderResponses(t *testing.T) {
	// Chunk 0's response is held until chunk 1's has gone through. The
	// store must still release in index order.
	chunk1Done := make(chan struct{})
	provider := &scriptedProvider{fn: func(call int, req recognize.Request) (*recognize.Result, error) {
		idx := chunkOf(req)
		switch idx {
		case 0:
			<-chunk1Done
		case 1:
			defer close(chunk1Done)
		}
		return &recognize.Result{Words: wordsFor(idx)}, nil
	}}
	dev := capture.NewQueueDevice(16)
	c := newTestController(t, dev, provider)

	sess, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 10; i++ {
		dev.Push([]byte{byte(i)}, 1.0)
	}
	waitFor(t, "fragments captured", func() bool { return c.CapturedSeconds() == 10 })
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	segs := sess.Store().Segments()
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[0].Text != "chunk0" || segs[1].Text != "chunk1" {
		t.Errorf("segment order = %q,%q, want chunk0,chunk1", segs[0].Text, segs[1].Text)
	}
}

func TestControllerLostChunkIsGapNotFailure(t *testing.T) {
	provider := &scriptedProvider{fn: func(call int, req recognize.Request) (*recognize.Result, error) {
		idx := chunkOf(req)
		if idx == 0 {
			return nil, &recognize.Error{Kind: recognize.KindMalformed, Op: "scripted", Err: errors.New("garbled")}
		}
		return &recognize.Result{Words: wordsFor(idx)}, nil
	}}
	dev := capture.NewQueueDevice(16)
	c := newTestController(t, dev, provider)

	sess, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 10; i++ {
		dev.Push([]byte{byte(i)}, 1.0)
	}
	waitFor(t, "fragments captured", func() bool { return c.CapturedSeconds() == 10 })
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != string(StateIdle) {
		t.Errorf("state = %q, want idle (lost chunk must not end session)", c.State())
	}

	entries := sess.Store().Snapshot()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if !entries[0].Lost {
		t.Error("chunk 0 should be marked lost")
	}
	if entries[1].Lost || len(entries[1].Segments) != 1 {
		t.Errorf("chunk 1 entry = %+v, want intact", entries[1])
	}
}

func TestControllerQuotaExhaustionEndsSession(t *testing.T) {
	provider := &scriptedProvider{fn: func(call int, req recognize.Request) (*recognize.Result, error) {
		return nil, &recognize.Error{Kind: recognize.KindQuota, Op: "scripted", Err: errors.New("no minutes")}
	}}
	dev := capture.NewQueueDevice(16)
	c := newTestController(t, dev, provider)

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		dev.Push([]byte{byte(i)}, 1.0)
	}

	waitFor(t, "session to end in error", func() bool { return c.State() == string(StateError) })

	if err := c.LastError(); recognize.ErrKind(err) != recognize.KindQuota {
		t.Errorf("last error = %v, want quota kind", err)
	}

	// Error state is restartable.
	dev2 := capture.NewQueueDevice(4)
	c.opts.NewDevice = func() (capture.Device, error) { return dev2, nil }
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start after error: %v", err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestControllerDoubleStartRejected(t *testing.T) {
	provider := &scriptedProvider{fn: func(call int, req recognize.Request) (*recognize.Result, error) {
		return &recognize.Result{}, nil
	}}
	dev := capture.NewQueueDevice(4)
	c := newTestController(t, dev, provider)

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("second Start = %v, want ErrSessionActive", err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("second Stop = %v, want ErrNoSession", err)
	}
}

// gateDevice holds Open until released, standing in for a device that is
// slow to acquire.
type gateDevice struct {
	release chan struct{}
	inner   *capture.QueueDevice
}

func (d *gateDevice) Open(ctx context.Context) error {
	select {
	case <-d.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.inner.Open(ctx)
}

func (d *gateDevice) ReadFragment(ctx context.Context) ([]byte, float64, error) {
	return d.inner.ReadFragment(ctx)
}

func (d *gateDevice) Close() ([]byte, float64, error) { return d.inner.Close() }

// Stop racing a slow Start must be rejected, not tear down a session that
// does not exist yet (first run) or one that already finished (later runs).
func TestControllerStopDuringSlowStart(t *testing.T) {
	provider := &scriptedProvider{fn: func(call int, req recognize.Request) (*recognize.Result, error) {
		return &recognize.Result{}, nil
	}}
	dev := &gateDevice{release: make(chan struct{}), inner: capture.NewQueueDevice(4)}
	c := newTestController(t, nil, provider)
	c.opts.NewDevice = func() (capture.Device, error) { return dev, nil }

	started := make(chan struct{})
	go func() {
		defer close(started)
		if _, err := c.Start(context.Background()); err != nil {
			t.Errorf("Start: %v", err)
		}
	}()

	waitFor(t, "start in progress", func() bool { return c.State() == string(StateStarting) })

	if _, err := c.Stop(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Stop during start = %v, want ErrNoSession", err)
	}
	if sess := c.Session(); sess != nil {
		t.Errorf("Session() during start = %v, want nil on first run", sess.ID)
	}

	close(dev.release)
	<-started

	if c.State() != string(StateCapturing) {
		t.Errorf("state after start = %q, want capturing", c.State())
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop after start: %v", err)
	}
}

func TestControllerCaptureFailureReturnsToIdle(t *testing.T) {
	c := NewController(Options{
		NewDevice: func() (capture.Device, error) {
			return nil, capture.ErrPermissionDenied
		},
		Recognizer: recognize.NewClient(&scriptedProvider{fn: func(int, recognize.Request) (*recognize.Result, error) {
			return &recognize.Result{}, nil
		}}, nil, 3, zerolog.Nop()),
		Bus: transcript.NewEventBus(16),
		Log: zerolog.Nop(),
	})

	_, err := c.Start(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if c.State() != string(StateIdle) {
		t.Errorf("state = %q, want idle after capture failure", c.State())
	}

	// The failure is retryable.
	dev := capture.NewQueueDevice(4)
	c.opts.NewDevice = func() (capture.Device, error) { return dev, nil }
	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	c.Stop(context.Background())
}

func TestControllerEmptyRecognitionAppendsNothing(t *testing.T) {
	provider := &scriptedProvider{fn: func(call int, req recognize.Request) (*recognize.Result, error) {
		return &recognize.Result{}, nil // silence
	}}
	dev := capture.NewQueueDevice(16)
	c := newTestController(t, dev, provider)

	sess, _ := c.Start(context.Background())
	for i := 0; i < 5; i++ {
		dev.Push([]byte{byte(i)}, 1.0)
	}
	waitFor(t, "fragments captured", func() bool { return c.CapturedSeconds() == 5 })
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	entries := sess.Store().Snapshot()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Lost || len(entries[0].Segments) != 0 {
		t.Errorf("silent chunk entry = %+v, want released with zero segments", entries[0])
	}
	if c.State() != string(StateIdle) {
		t.Errorf("state = %q, want idle", c.State())
	}
}
