// Package chunker groups captured audio fragments into fixed-size chunks for
// recognition. Chunks are sealed when enough fragments accumulate, when the
// rollover interval elapses, or when the session stops with a partial chunk.
package chunker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/capture"
)

// SealReason records why a chunk was closed.
type SealReason string

const (
	SealSize     SealReason = "size"     // fragment threshold reached
	SealRollover SealReason = "rollover" // rollover interval elapsed
	SealFlush    SealReason = "flush"    // session stop flushed a partial chunk
)

// Chunk is a sealed unit of audio ready for recognition. Indices within one
// session are contiguous, starting at 0; the payload is the concatenation of
// the fragments' data in capture order.
type Chunk struct {
	Index       int
	Payload     []byte
	Fragments   int
	Duration    float64 // seconds of audio in the payload
	StartOffset float64 // capture-relative start of the first fragment
	Reason      SealReason
}

// SealFunc receives sealed chunks strictly in index order from a single
// dispatch goroutine.
type SealFunc func(Chunk)

// Assembler accumulates fragments and emits sealed chunks. Sealing happens
// under the lock; delivery happens on a dedicated goroutine so a slow
// consumer never blocks the capture path.
type Assembler struct {
	mu        sync.Mutex
	pending   []byte
	fragments int
	duration  float64
	start     float64
	haveStart bool
	nextIndex int
	stopped   bool

	maxFragments int
	rollover     time.Duration
	timer        *time.Timer

	sealed chan Chunk
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewAssembler creates an assembler that seals a chunk every maxFragments
// fragments, or when rollover elapses since the chunk's first fragment.
func NewAssembler(maxFragments int, rollover time.Duration, sealFn SealFunc, log zerolog.Logger) *Assembler {
	if maxFragments <= 0 {
		maxFragments = 5
	}
	a := &Assembler{
		maxFragments: maxFragments,
		rollover:     rollover,
		sealed:       make(chan Chunk, 16),
		log:          log.With().Str("component", "chunker").Logger(),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for c := range a.sealed {
			sealFn(c)
		}
	}()
	return a
}

// Add appends one fragment to the open chunk. May seal.
func (a *Assembler) Add(f capture.Fragment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopped || len(f.Data) == 0 {
		return
	}

	if !a.haveStart {
		a.start = f.Offset
		a.haveStart = true
	}
	a.pending = append(a.pending, f.Data...)
	a.fragments++
	a.duration += f.Duration

	if a.fragments >= a.maxFragments {
		a.sealLocked(SealSize)
		return
	}

	// Start the rollover timer on the chunk's first fragment.
	if a.fragments == 1 && a.rollover > 0 {
		a.timer = time.AfterFunc(a.rollover, func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if !a.stopped && a.fragments > 0 {
				a.sealLocked(SealRollover)
			}
		})
	}
}

// Flush seals the open chunk, if any. A flush with nothing accumulated is a
// no-op: no empty chunk is emitted and the index sequence is unchanged.
func (a *Assembler) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.stopped && a.fragments > 0 {
		a.sealLocked(SealFlush)
	}
}

// Stop flushes any partial chunk, waits for all sealed chunks to be
// delivered, and prevents further adds.
func (a *Assembler) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	if a.fragments > 0 {
		a.sealLocked(SealFlush)
	}
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	close(a.sealed)
	a.mu.Unlock()
	a.wg.Wait()
}

// NextIndex returns the index the next sealed chunk will carry.
func (a *Assembler) NextIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextIndex
}

func (a *Assembler) sealLocked(reason SealReason) {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}

	c := Chunk{
		Index:       a.nextIndex,
		Payload:     a.pending,
		Fragments:   a.fragments,
		Duration:    a.duration,
		StartOffset: a.start,
		Reason:      reason,
	}
	a.nextIndex++
	a.pending = nil
	a.fragments = 0
	a.duration = 0
	a.haveStart = false

	a.log.Debug().
		Int("chunk", c.Index).
		Int("fragments", c.Fragments).
		Float64("duration", c.Duration).
		Str("reason", string(reason)).
		Msg("chunk sealed")

	// The channel send preserves seal order; blocking here only happens if
	// the dispatch consumer falls 16 chunks behind.
	a.sealed <- c
}
