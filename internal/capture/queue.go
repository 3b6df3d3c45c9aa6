package capture

import (
	"context"
	"sync"
)

// QueueDevice is a push-style device: an external shell (the MQTT bridge, or
// a test) pushes fragment payloads and the recorder pulls them in order.
type QueueDevice struct {
	ch chan queued

	mu     sync.Mutex
	opened bool
	closed bool
}

type queued struct {
	data []byte
	dur  float64
}

// NewQueueDevice creates a queue device with the given buffer depth.
func NewQueueDevice(depth int) *QueueDevice {
	if depth <= 0 {
		depth = 64
	}
	return &QueueDevice{ch: make(chan queued, depth)}
}

// Push enqueues one fragment payload. Returns false if the queue is full or
// the device is closed; the caller decides whether dropping is acceptable.
func (d *QueueDevice) Push(data []byte, duration float64) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.mu.Unlock()

	select {
	case d.ch <- queued{data: data, dur: duration}:
		return true
	default:
		return false
	}
}

func (d *QueueDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceUnavailable
	}
	if d.opened {
		return ErrAlreadyCapturing
	}
	d.opened = true
	return nil
}

func (d *QueueDevice) ReadFragment(ctx context.Context) ([]byte, float64, error) {
	select {
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	case q := <-d.ch:
		return q.data, q.dur, nil
	}
}

func (d *QueueDevice) Close() ([]byte, float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = false

	// Drain anything still queued into a single remainder so the last
	// pushed audio is not lost on stop.
	var remainder []byte
	var dur float64
	for {
		select {
		case q := <-d.ch:
			remainder = append(remainder, q.data...)
			dur += q.dur
		default:
			return remainder, dur, nil
		}
	}
}
