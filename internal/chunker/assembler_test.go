package chunker

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/capture"
)

func frag(b byte, offset, dur float64) capture.Fragment {
	return capture.Fragment{Data: []byte{b}, Offset: offset, Duration: dur}
}

type sink struct {
	mu     sync.Mutex
	chunks []Chunk
}

func (s *sink) seal(c Chunk) {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
}

func (s *sink) get() []Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func TestAssemblerSealsBySize(t *testing.T) {
	var s sink
	a := NewAssembler(5, 0, s.seal, zerolog.Nop())

	for i := 0; i < 12; i++ {
		a.Add(frag(byte(i), float64(i), 1.0))
	}
	a.Stop()

	chunks := s.get()
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}

	tests := []struct {
		index     int
		fragments int
		start     float64
		duration  float64
		reason    SealReason
	}{
		{0, 5, 0, 5, SealSize},
		{1, 5, 5, 5, SealSize},
		{2, 2, 10, 2, SealFlush},
	}
	for i, want := range tests {
		c := chunks[i]
		if c.Index != want.index {
			t.Errorf("chunk %d index = %d, want %d", i, c.Index, want.index)
		}
		if c.Fragments != want.fragments {
			t.Errorf("chunk %d fragments = %d, want %d", i, c.Fragments, want.fragments)
		}
		if c.StartOffset != want.start {
			t.Errorf("chunk %d start = %v, want %v", i, c.StartOffset, want.start)
		}
		if c.Duration != want.duration {
			t.Errorf("chunk %d duration = %v, want %v", i, c.Duration, want.duration)
		}
		if c.Reason != want.reason {
			t.Errorf("chunk %d reason = %q, want %q", i, c.Reason, want.reason)
		}
		if len(c.Payload) != want.fragments {
			t.Errorf("chunk %d payload = %d bytes, want %d", i, len(c.Payload), want.fragments)
		}
	}
}

func TestAssemblerRollover(t *testing.T) {
	var s sink
	a := NewAssembler(100, 30*time.Millisecond, s.seal, zerolog.Nop())

	a.Add(frag(1, 0, 1.0))
	a.Add(frag(2, 1, 1.0))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.get()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	chunks := s.get()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks before rollover, want 1", len(chunks))
	}
	if chunks[0].Reason != SealRollover {
		t.Errorf("reason = %q, want %q", chunks[0].Reason, SealRollover)
	}
	if chunks[0].Fragments != 2 {
		t.Errorf("fragments = %d, want 2", chunks[0].Fragments)
	}

	// Audio after a rollover lands in the next chunk, no gap in indices.
	a.Add(frag(3, 2, 1.0))
	a.Stop()

	chunks = s.get()
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks after stop, want 2", len(chunks))
	}
	if chunks[1].Index != 1 {
		t.Errorf("second chunk index = %d, want 1", chunks[1].Index)
	}
	if chunks[1].StartOffset != 2 {
		t.Errorf("second chunk start = %v, want 2", chunks[1].StartOffset)
	}
}

func TestAssemblerEmptyRolloverSealsNothing(t *testing.T) {
	var s sink
	a := NewAssembler(5, 20*time.Millisecond, s.seal, zerolog.Nop())

	time.Sleep(60 * time.Millisecond)
	a.Flush()
	a.Stop()

	if got := s.get(); len(got) != 0 {
		t.Errorf("got %d chunks from empty assembler, want 0", len(got))
	}
	if a.NextIndex() != 0 {
		t.Errorf("NextIndex = %d, want 0", a.NextIndex())
	}
}

func TestAssemblerStopIsIdempotent(t *testing.T) {
	var s sink
	a := NewAssembler(5, 0, s.seal, zerolog.Nop())
	a.Add(frag(1, 0, 1.0))
	a.Stop()
	a.Stop()
	a.Add(frag(2, 1, 1.0)) // ignored after stop

	chunks := s.get()
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Reason != SealFlush {
		t.Errorf("reason = %q, want %q", chunks[0].Reason, SealFlush)
	}
}
