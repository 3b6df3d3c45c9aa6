package transcript

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/segment"
)

func seg(speaker int, text string) []segment.Segment {
	return []segment.Segment{{Speaker: speaker, Text: text}}
}

func TestStoreReleasesInOrder(t *testing.T) {
	var released []Entry
	s := NewStore(func(e Entry) { released = append(released, e) }, zerolog.Nop())

	// Chunk 1 finishes before chunk 0 (retry overtook it).
	s.Append(1, seg(1, "second"))
	if len(released) != 0 {
		t.Fatalf("released %d entries before chunk 0 arrived, want 0", len(released))
	}
	if s.Pending() != 1 {
		t.Errorf("pending = %d, want 1", s.Pending())
	}

	s.Append(0, seg(1, "first"))
	if len(released) != 2 {
		t.Fatalf("released %d entries, want 2", len(released))
	}
	if released[0].ChunkIndex != 0 || released[1].ChunkIndex != 1 {
		t.Errorf("release order = %d,%d, want 0,1", released[0].ChunkIndex, released[1].ChunkIndex)
	}

	s.Append(2, seg(2, "third"))
	if len(released) != 3 {
		t.Fatalf("released %d entries, want 3", len(released))
	}

	segs := s.Segments()
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	if segs[0].Text != "first" || segs[1].Text != "second" || segs[2].Text != "third" {
		t.Errorf("segment order = %q,%q,%q", segs[0].Text, segs[1].Text, segs[2].Text)
	}
}

func TestStoreMarkLostReleasesGap(t *testing.T) {
	var released []Entry
	s := NewStore(func(e Entry) { released = append(released, e) }, zerolog.Nop())

	s.Append(1, seg(1, "after gap"))
	s.MarkLost(0)

	if len(released) != 2 {
		t.Fatalf("released %d entries, want 2", len(released))
	}
	if !released[0].Lost {
		t.Error("chunk 0 entry not marked lost")
	}
	if released[1].ChunkIndex != 1 || released[1].Lost {
		t.Errorf("chunk 1 entry = %+v, want released intact", released[1])
	}

	// The lost chunk contributes no text.
	if segs := s.Segments(); len(segs) != 1 || segs[0].Text != "after gap" {
		t.Errorf("segments = %v, want single entry after gap", segs)
	}
}

func TestStoreDuplicateDropped(t *testing.T) {
	s := NewStore(nil, zerolog.Nop())
	s.Append(0, seg(1, "a"))
	s.Append(0, seg(1, "duplicate"))

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d entries, want 1", len(snap))
	}
	if snap[0].Segments[0].Text != "a" {
		t.Errorf("kept %q, want original", snap[0].Segments[0].Text)
	}
}

func TestStoreReset(t *testing.T) {
	s := NewStore(nil, zerolog.Nop())
	s.Append(0, seg(1, "a"))
	s.Append(2, seg(1, "parked"))
	s.Reset()

	if len(s.Snapshot()) != 0 || s.Pending() != 0 {
		t.Error("Reset did not clear store")
	}

	// Index sequence restarts at 0.
	s.Append(0, seg(1, "fresh"))
	if snap := s.Snapshot(); len(snap) != 1 || snap[0].ChunkIndex != 0 {
		t.Errorf("after reset snapshot = %v, want chunk 0 released", snap)
	}
}
