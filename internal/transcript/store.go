// Package transcript assembles per-chunk segment batches into an ordered
// session transcript and fans results out to live subscribers.
package transcript

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/segment"
)

// Entry is one chunk's contribution to the transcript. Lost entries mark a
// chunk whose audio never recognized; they hold the ordering slot so later
// chunks still release in sequence.
type Entry struct {
	ChunkIndex int               `json:"chunk_index"`
	Segments   []segment.Segment `json:"segments,omitempty"`
	Lost       bool              `json:"lost,omitempty"`
}

// ReleaseFunc receives entries strictly in chunk-index order.
type ReleaseFunc func(Entry)

// Store buffers out-of-order chunk results and releases them in index order.
// Recognition finishes out of order when a retried chunk overtakes its
// successor, so results park here until every lower index has arrived or
// been declared lost.
type Store struct {
	mu        sync.Mutex
	next      int
	pending   map[int]Entry
	released  []Entry
	onRelease ReleaseFunc
	log       zerolog.Logger
}

// NewStore creates an empty store. onRelease may be nil.
func NewStore(onRelease ReleaseFunc, log zerolog.Logger) *Store {
	return &Store{
		pending:   make(map[int]Entry),
		onRelease: onRelease,
		log:       log.With().Str("component", "transcript").Logger(),
	}
}

// Append stores one chunk's segments. Releases the entry immediately if it
// is next in sequence, along with any buffered successors it unblocks.
func (s *Store) Append(chunkIndex int, segs []segment.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chunkIndex < s.next {
		s.log.Warn().Int("chunk", chunkIndex).Int("next", s.next).Msg("duplicate chunk result dropped")
		return
	}
	s.pending[chunkIndex] = Entry{ChunkIndex: chunkIndex, Segments: segs}
	s.drainLocked()
}

// MarkLost records that a chunk's audio will never recognize. The slot
// releases as a gap so the entries behind it are not stalled.
func (s *Store) MarkLost(chunkIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chunkIndex < s.next {
		return
	}
	s.pending[chunkIndex] = Entry{ChunkIndex: chunkIndex, Lost: true}
	s.log.Warn().Int("chunk", chunkIndex).Msg("chunk marked lost")
	s.drainLocked()
}

func (s *Store) drainLocked() {
	for {
		e, ok := s.pending[s.next]
		if !ok {
			return
		}
		delete(s.pending, s.next)
		s.released = append(s.released, e)
		s.next++
		if s.onRelease != nil {
			s.onRelease(e)
		}
	}
}

// Snapshot returns the released entries in order.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.released))
	copy(out, s.released)
	return out
}

// Segments flattens the released entries into a single ordered segment list,
// skipping lost chunks.
func (s *Store) Segments() []segment.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []segment.Segment
	for _, e := range s.released {
		out = append(out, e.Segments...)
	}
	return out
}

// Pending reports how many chunk results are buffered waiting for a
// predecessor.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Reset clears the store for a new session.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
	s.pending = make(map[int]Entry)
	s.released = nil
}
