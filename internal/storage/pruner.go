package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionDeleter removes persisted sessions older than the cutoff.
// *database.DB satisfies this.
type SessionDeleter interface {
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionPruner deletes archived chunk audio and persisted sessions
// once they pass the retention window. Archive keys start with the
// capture day (YYYY-MM-DD), so expiry is decided per day directory.
type RetentionPruner struct {
	store     AudioStore
	db        SessionDeleter
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewRetentionPruner creates a pruner with the given retention window.
// db may be nil when persistence is not configured.
func NewRetentionPruner(store AudioStore, db SessionDeleter, retention time.Duration, log zerolog.Logger) *RetentionPruner {
	return &RetentionPruner{
		store:     store,
		db:        db,
		retention: retention,
		interval:  1 * time.Hour,
		log:       log.With().Str("component", "retention-pruner").Logger(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *RetentionPruner) Start() {
	go p.loop()
}

func (p *RetentionPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}

func (p *RetentionPruner) loop() {
	defer close(p.done)

	// Run once on startup to clear any backlog from downtime
	p.Prune(time.Now())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.Prune(time.Now())
		case <-p.stop:
			return
		}
	}
}

// Prune deletes everything past the retention window as of now.
func (p *RetentionPruner) Prune(now time.Time) {
	if p.retention <= 0 {
		return
	}
	cutoff := now.Add(-p.retention)

	pruned := p.pruneArchive(cutoff)

	var sessions int64
	if p.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := p.db.DeleteExpiredSessions(ctx, cutoff)
		cancel()
		if err != nil {
			p.log.Error().Err(err).Msg("session retention delete failed")
		} else {
			sessions = n
		}
	}

	if pruned > 0 || sessions > 0 {
		p.log.Info().
			Int("chunks_pruned", pruned).
			Int64("sessions_pruned", sessions).
			Time("cutoff", cutoff).
			Msg("retention prune complete")
	}
}

func (p *RetentionPruner) pruneArchive(cutoff time.Time) int {
	switch store := p.store.(type) {
	case *LocalStore:
		return p.pruneLocal(store, cutoff)
	case *S3Store:
		return p.pruneS3(store, cutoff)
	default:
		return 0
	}
}

// pruneLocal removes whole day directories older than the cutoff. A day
// directory is expired only when the entire day precedes the cutoff.
func (p *RetentionPruner) pruneLocal(store *LocalStore, cutoff time.Time) int {
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		return 0
	}
	var pruned int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if !dayExpired(e.Name(), cutoff) {
			continue
		}
		path := filepath.Join(store.Dir(), e.Name())
		n := countFiles(path)
		if err := os.RemoveAll(path); err != nil {
			p.log.Warn().Err(err).Str("dir", e.Name()).Msg("archive prune failed")
			continue
		}
		pruned += n
	}
	return pruned
}

func (p *RetentionPruner) pruneS3(store *S3Store, cutoff time.Time) int {
	var pruned int
	// Walk back from the cutoff day; older captures were pruned on
	// earlier runs, so a week of lookback covers downtime gaps.
	for i := 0; i < 7; i++ {
		day := cutoff.AddDate(0, 0, -i).UTC().Format("2006-01-02")
		if !dayExpired(day, cutoff) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		n, err := store.DeletePrefix(ctx, day+"/")
		cancel()
		if err != nil {
			p.log.Warn().Err(err).Str("day", day).Msg("archive prune failed")
		}
		pruned += n
	}
	return pruned
}

// dayExpired reports whether the whole YYYY-MM-DD day lies before the cutoff.
func dayExpired(name string, cutoff time.Time) bool {
	day, err := time.Parse("2006-01-02", name)
	if err != nil {
		return false
	}
	return day.AddDate(0, 0, 1).Before(cutoff) || day.AddDate(0, 0, 1).Equal(cutoff)
}

func countFiles(dir string) int {
	var n int
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return nil
	})
	return n
}
