package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Capture-side errors, fatal to Start().
var (
	ErrPermissionDenied  = errors.New("capture: microphone permission denied")
	ErrDeviceUnavailable = errors.New("capture: no audio input device available")
	ErrAlreadyCapturing  = errors.New("capture: recorder already started")
)

// Fragment is the smallest unit of captured audio: one cadence tick's worth
// of data, with its capture-relative start offset and duration in seconds.
type Fragment struct {
	Data     []byte
	Offset   float64
	Duration float64
}

// Device abstracts an exclusive audio input. Open acquires the device,
// ReadFragment blocks until the next fragment of audio is available, and
// Close releases the device, returning any partially accumulated data.
type Device interface {
	Open(ctx context.Context) error
	ReadFragment(ctx context.Context) (data []byte, duration float64, err error)
	Close() (remainder []byte, duration float64, err error)
}

// FragmentFunc receives fragments in capture order. It must not block for
// longer than the capture cadence or fragments will queue behind it.
type FragmentFunc func(Fragment)

// Recorder owns a Device for the lifetime of one capture session and pushes
// timed fragments to a callback. It holds the device exclusively between
// Start and Stop.
type Recorder struct {
	dev        Device
	onFragment FragmentFunc
	log        zerolog.Logger

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	offset float64 // capture-relative clock, seconds
}

// NewRecorder creates a recorder around the given device. onFragment is
// invoked once per fragment, in order, from a single goroutine.
func NewRecorder(dev Device, onFragment FragmentFunc, log zerolog.Logger) *Recorder {
	return &Recorder{
		dev:        dev,
		onFragment: onFragment,
		log:        log.With().Str("component", "capture").Logger(),
	}
}

// Start acquires the device and begins the capture loop. A second Start
// without an intervening Stop fails with ErrAlreadyCapturing.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return ErrAlreadyCapturing
	}

	if err := r.dev.Open(ctx); err != nil {
		r.started.Store(false)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Lock()
	r.offset = 0
	r.mu.Unlock()

	go r.loop(loopCtx)

	r.log.Info().Msg("capture started")
	return nil
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)

	for {
		data, dur, err := r.dev.ReadFragment(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.log.Warn().Err(err).Msg("capture read failed, stopping loop")
			}
			return
		}
		if len(data) == 0 {
			continue
		}
		r.emit(data, dur)
	}
}

func (r *Recorder) emit(data []byte, dur float64) {
	r.mu.Lock()
	frag := Fragment{Data: data, Offset: r.offset, Duration: dur}
	r.offset += dur
	r.mu.Unlock()
	r.onFragment(frag)
}

// Stop halts the capture loop, releases the device, and returns the flushed
// partial fragment, if the device had one buffered. Safe to call once per
// Start.
func (r *Recorder) Stop() (*Fragment, error) {
	if !r.started.CompareAndSwap(true, false) {
		return nil, nil
	}

	r.cancel()
	<-r.done

	remainder, dur, err := r.dev.Close()
	if err != nil {
		return nil, err
	}

	var final *Fragment
	if len(remainder) > 0 {
		r.mu.Lock()
		final = &Fragment{Data: remainder, Offset: r.offset, Duration: dur}
		r.offset += dur
		r.mu.Unlock()
	}

	r.log.Info().Float64("captured_seconds", r.Elapsed()).Msg("capture stopped")
	return final, nil
}

// Elapsed returns the total captured duration in seconds so far.
func (r *Recorder) Elapsed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Active reports whether a capture loop is currently running.
func (r *Recorder) Active() bool {
	return r.started.Load()
}
