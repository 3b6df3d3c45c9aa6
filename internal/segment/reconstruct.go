// Package segment turns recognized word streams into speaker-labeled
// transcript segments. A new segment starts whenever the speaker tag
// changes; words without a tag are attributed to speaker 1.
package segment

import (
	"fmt"
	"strings"

	"github.com/meetassist/scribe-engine/internal/recognize"
)

// Segment is one contiguous run of words by a single speaker.
type Segment struct {
	Speaker   int     `json:"speaker"`
	Label     string  `json:"label"` // "Speaker N"
	Text      string  `json:"text"`
	Timestamp string  `json:"timestamp"` // MM:SS of Start
	Start     float64 `json:"start"`     // seconds
	Duration  float64 `json:"duration"`  // seconds
}

// fallbackWordsPerSecond approximates word timing when a provider returns
// plain text with no word timestamps. ~150 wpm conversational speech.
const fallbackWordsPerSecond = 2.5

// Reconstruct groups a chunk's words into segments at speaker changes. Words
// arrive in time order; a zero speaker tag counts as speaker 1.
func Reconstruct(words []recognize.Word) []Segment {
	var segs []Segment
	var cur *Segment
	var parts []string

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = strings.Join(parts, " ")
		segs = append(segs, *cur)
		cur = nil
		parts = parts[:0]
	}

	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		speaker := w.Speaker
		if speaker == 0 {
			speaker = 1
		}

		if cur == nil || cur.Speaker != speaker {
			flush()
			cur = &Segment{
				Speaker:   speaker,
				Label:     fmt.Sprintf("Speaker %d", speaker),
				Timestamp: FormatTimestamp(w.Start),
				Start:     w.Start,
			}
		}
		parts = append(parts, text)
		if end := w.End; end > cur.Start {
			cur.Duration = end - cur.Start
		}
	}
	flush()

	return segs
}

// ReconstructText builds a single-speaker segment run from plain text when
// the provider gave no word timestamps. Timing is estimated at a fixed
// speaking rate so downstream offsets stay monotonic.
func ReconstructText(text string, start float64) []Segment {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	n := len(strings.Fields(text))
	return []Segment{{
		Speaker:   1,
		Label:     "Speaker 1",
		Text:      text,
		Timestamp: FormatTimestamp(start),
		Start:     start,
		Duration:  float64(n) / fallbackWordsPerSecond,
	}}
}

// Shift moves segments forward by offset seconds, recomputing timestamps.
// Used when transcript timestamps are session-relative rather than
// chunk-relative.
func Shift(segs []Segment, offset float64) []Segment {
	if offset == 0 {
		return segs
	}
	out := make([]Segment, len(segs))
	for i, s := range segs {
		s.Start += offset
		s.Timestamp = FormatTimestamp(s.Start)
		out[i] = s
	}
	return out
}

// FormatTimestamp renders seconds as zero-padded MM:SS, flooring fractional
// seconds. Minutes keep growing past 59 rather than rolling into hours.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
