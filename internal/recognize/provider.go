// Package recognize sends sealed audio chunks to a remote speech-to-text
// service and normalizes the results into speaker-tagged word lists.
package recognize

import "context"

// Provider is the interface for speech-to-text backends.
type Provider interface {
	Recognize(ctx context.Context, req Request) (*Result, error)
	Name() string  // "google", "whisper"
	Model() string // model identifier for logs
}

// Request carries one chunk's audio and its recognition parameters.
type Request struct {
	Audio        []byte // raw LINEAR16 PCM
	SampleRate   int    // Hz
	Language     string // BCP-47, e.g. "en-US"
	SpeakerCount int    // diarization hint; 0 = provider default
}

// Result is the common recognition result from any provider.
type Result struct {
	Text     string
	Language string
	Duration float64 // recognized audio duration in seconds, 0 if unreported
	Words    []Word  // nil if provider doesn't support word timestamps
}

// Word is a timestamped, speaker-tagged word. Speaker is the provider's
// diarization tag; providers without diarization leave it 0.
type Word struct {
	Text    string
	Speaker int
	Start   float64 // seconds, chunk-relative
	End     float64 // seconds, chunk-relative
}
