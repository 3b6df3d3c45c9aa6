package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// PCMDevice reads raw PCM audio from an io.Reader (a device file or pipe) in
// fixed-cadence fragments. Reads are paced by a wall-clock ticker so a
// faster-than-realtime source (e.g. a file in tests) still produces one
// fragment per cadence interval.
type PCMDevice struct {
	r           io.Reader
	closer      io.Closer
	cadence     time.Duration
	bytesPerSec int
	pace        bool

	mu      sync.Mutex
	opened  bool
	partial []byte
	ticker  *time.Ticker
}

// PCMOptions configures a PCMDevice.
type PCMOptions struct {
	Cadence     time.Duration // fragment interval, default 1s
	SampleRate  int           // Hz, default 16000
	BytesPerSmp int           // default 2 (LINEAR16)
	Pace        bool          // tick-paced reads; disable for tests
}

// NewPCMDevice wraps an already-open reader.
func NewPCMDevice(r io.Reader, opts PCMOptions) *PCMDevice {
	if opts.Cadence <= 0 {
		opts.Cadence = time.Second
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.BytesPerSmp <= 0 {
		opts.BytesPerSmp = 2
	}
	d := &PCMDevice{
		r:           r,
		cadence:     opts.Cadence,
		bytesPerSec: opts.SampleRate * opts.BytesPerSmp,
		pace:        opts.Pace,
	}
	if c, ok := r.(io.Closer); ok {
		d.closer = c
	}
	return d
}

// OpenInputDevice opens a named input device (or FIFO) path and maps OS
// errors onto the capture error taxonomy.
func OpenInputDevice(path string, opts PCMOptions) (*PCMDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, ErrPermissionDenied
		case errors.Is(err, os.ErrNotExist):
			return nil, ErrDeviceUnavailable
		default:
			return nil, err
		}
	}
	return NewPCMDevice(f, opts), nil
}

func (d *PCMDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.r == nil {
		return ErrDeviceUnavailable
	}
	if d.opened {
		return ErrAlreadyCapturing
	}
	d.opened = true
	d.partial = nil
	if d.pace {
		d.ticker = time.NewTicker(d.cadence)
	}
	return nil
}

func (d *PCMDevice) ReadFragment(ctx context.Context) ([]byte, float64, error) {
	if d.pace {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-d.ticker.C:
		}
	} else if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}

	want := int(float64(d.bytesPerSec) * d.cadence.Seconds())
	buf := make([]byte, want)
	n, err := io.ReadFull(d.r, buf)
	if err == io.ErrUnexpectedEOF || (err == io.EOF && n > 0) {
		// Short read at end of stream: keep as the partial to flush on Close.
		d.mu.Lock()
		d.partial = buf[:n]
		d.mu.Unlock()
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, 0, err
	}
	return buf, d.cadence.Seconds(), nil
}

func (d *PCMDevice) Close() ([]byte, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return nil, 0, nil
	}
	d.opened = false
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	var closeErr error
	if d.closer != nil {
		closeErr = d.closer.Close()
	}
	partial := d.partial
	d.partial = nil
	dur := float64(len(partial)) / float64(d.bytesPerSec)
	return partial, dur, closeErr
}
