package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/meetassist/scribe-engine/internal/config"
)

// AudioStore abstracts chunk audio storage backends.
type AudioStore interface {
	// Save stores chunk audio. key format: {YYYY-MM-DD}/{session_id}/{filename}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the chunk audio.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if the chunk audio exists in the backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "s3".
	Type() string
}

// New creates an AudioStore based on config. Returns an error if S3 is
// configured but unreachable.
func New(cfg *config.Config, log zerolog.Logger) (AudioStore, error) {
	if !cfg.S3Enabled() {
		return NewLocalStore(cfg.ArchiveDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.S3Bucket, cfg.S3Endpoint, err)
	}
	log.Info().Str("bucket", cfg.S3Bucket).Str("endpoint", cfg.S3Endpoint).Msg("S3 connection verified")

	return s3store, nil
}

// ChunkArchiver writes sealed chunk audio to an AudioStore, keyed by
// capture date, session, and chunk index.
type ChunkArchiver struct {
	store AudioStore
	log   zerolog.Logger
}

// NewChunkArchiver wraps an AudioStore for use by the session pipeline.
func NewChunkArchiver(store AudioStore, log zerolog.Logger) *ChunkArchiver {
	return &ChunkArchiver{
		store: store,
		log:   log.With().Str("component", "archiver").Logger(),
	}
}

// ArchiveChunk stores one sealed chunk's PCM payload. Keys derive from the
// session start date so archived audio stays addressable from the session
// record alone.
func (a *ChunkArchiver) ArchiveChunk(ctx context.Context, sessionID string, startedAt time.Time, index int, payload []byte) error {
	key := ChunkKey(startedAt, sessionID, index)
	if err := a.store.Save(ctx, key, payload, "audio/L16"); err != nil {
		return fmt.Errorf("archive chunk %d: %w", index, err)
	}
	a.log.Debug().Str("key", key).Int("bytes", len(payload)).Msg("chunk archived")
	return nil
}

// ChunkKey builds the storage key for a chunk: {YYYY-MM-DD}/{session}/chunk-{index}.pcm
func ChunkKey(day time.Time, sessionID string, index int) string {
	return fmt.Sprintf("%s/%s/chunk-%05d.pcm", day.UTC().Format("2006-01-02"), sessionID, index)
}
