package capture

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SpoolDevice reads audio from a spool directory populated by an external
// capturer: each fragment arrives as a raw PCM file (.pcm or .raw) and is
// consumed oldest-first, then removed. This is the integration path for
// capture front-ends that cannot stream directly into the process.
type SpoolDevice struct {
	dir         string
	bytesPerSec float64
	log         zerolog.Logger

	watcher *fsnotify.Watcher
	ready   chan string
	done    chan struct{}

	// Debounce: coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	opened         atomic.Bool
	filesConsumed  atomic.Int64
	filesMalformed atomic.Int64
}

// SpoolOptions configure a SpoolDevice.
type SpoolOptions struct {
	Dir         string
	SampleRate  int // Hz, defaults to 16000
	BytesPerSmp int // defaults to 2 (16-bit PCM)
	Logger      zerolog.Logger
}

// NewSpoolDevice creates a device that consumes fragment files from dir.
func NewSpoolDevice(opts SpoolOptions) *SpoolDevice {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.BytesPerSmp <= 0 {
		opts.BytesPerSmp = 2
	}
	return &SpoolDevice{
		dir:            opts.Dir,
		bytesPerSec:    float64(opts.SampleRate * opts.BytesPerSmp),
		log:            opts.Logger.With().Str("component", "spool").Logger(),
		ready:          make(chan string, 256),
		done:           make(chan struct{}),
		debounceTimers: make(map[string]*time.Timer),
	}
}

// Open starts watching the spool directory and queues any fragment files
// already present, oldest-first.
func (d *SpoolDevice) Open(ctx context.Context) error {
	if !d.opened.CompareAndSwap(false, true) {
		return ErrAlreadyCapturing
	}

	if info, err := os.Stat(d.dir); err != nil || !info.IsDir() {
		d.opened.Store(false)
		return ErrDeviceUnavailable
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		d.opened.Store(false)
		return err
	}
	if err := w.Add(d.dir); err != nil {
		w.Close()
		d.opened.Store(false)
		return err
	}
	d.watcher = w

	// Pick up files that landed before the watch started.
	entries, _ := os.ReadDir(d.dir)
	var existing []string
	for _, e := range entries {
		if e.IsDir() || !isFragmentFile(e.Name()) {
			continue
		}
		existing = append(existing, filepath.Join(d.dir, e.Name()))
	}
	sort.Strings(existing)
	for _, path := range existing {
		select {
		case d.ready <- path:
		default:
			d.log.Warn().Str("path", path).Msg("spool backlog full, fragment deferred")
		}
	}

	d.log.Info().Str("dir", d.dir).Int("backlog", len(existing)).Msg("spool device opened")

	go d.watchLoop()
	return nil
}

// ReadFragment blocks until a fragment file is ready, then reads and removes it.
func (d *SpoolDevice) ReadFragment(ctx context.Context) ([]byte, float64, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case path, ok := <-d.ready:
			if !ok {
				return nil, 0, ErrDeviceUnavailable
			}
			data, err := os.ReadFile(path)
			if err != nil {
				d.filesMalformed.Add(1)
				d.log.Warn().Err(err).Str("path", path).Msg("failed to read spooled fragment")
				continue
			}
			if len(data) == 0 {
				d.filesMalformed.Add(1)
				_ = os.Remove(path)
				continue
			}
			if err := os.Remove(path); err != nil {
				d.log.Warn().Err(err).Str("path", path).Msg("failed to remove consumed fragment")
			}
			d.filesConsumed.Add(1)
			return data, float64(len(data)) / d.bytesPerSec, nil
		}
	}
}

// Close stops the watcher. Any files still spooled remain on disk for the
// next session; the device has no in-memory remainder.
func (d *SpoolDevice) Close() ([]byte, float64, error) {
	if !d.opened.CompareAndSwap(true, false) {
		return nil, 0, nil
	}
	close(d.done)
	if d.watcher != nil {
		d.watcher.Close()
	}
	d.log.Info().
		Int64("files_consumed", d.filesConsumed.Load()).
		Int64("files_malformed", d.filesMalformed.Load()).
		Msg("spool device closed")
	return nil, 0, nil
}

// watchLoop is the main event loop that processes fsnotify events.
func (d *SpoolDevice) watchLoop() {
	for {
		select {
		case <-d.done:
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isFragmentFile(event.Name) {
				continue
			}
			d.scheduleReady(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// scheduleReady debounces by 200ms so a fragment is only queued once its
// writer has finished, coalescing the Create+Write event pairs fsnotify emits.
func (d *SpoolDevice) scheduleReady(path string) {
	d.debounceMu.Lock()
	defer d.debounceMu.Unlock()

	if t, ok := d.debounceTimers[path]; ok {
		t.Reset(200 * time.Millisecond)
		return
	}

	d.debounceTimers[path] = time.AfterFunc(200*time.Millisecond, func() {
		d.debounceMu.Lock()
		delete(d.debounceTimers, path)
		d.debounceMu.Unlock()

		select {
		case d.ready <- path:
		case <-d.done:
		}
	})
}

func isFragmentFile(name string) bool {
	l := strings.ToLower(name)
	return strings.HasSuffix(l, ".pcm") || strings.HasSuffix(l, ".raw")
}
