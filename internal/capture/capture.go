// Package capture watches a live HLS output directory and mirrors finished
// segments into the content-addressed store. Each uploaded segment is
// recorded in the shared segment index so the streamer and the cleanup
// service can see it. Index persistence is write-behind with a bounded
// delay: high segment rates coalesce into one disk write per flush window.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sleetbubble/sleetbubble/internal/config"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

// settleDelay is how long a segment's write events must quiesce before it is
// read back. Encoders write segments progressively, so the first event
// arrives well before the full payload is on disk.
const settleDelay = 500 * time.Millisecond

// Uploader stores one file in the CAS. Satisfied by *ipfs.Client.
type Uploader interface {
	AddFile(ctx context.Context, path string, pin bool) (string, error)
}

// Capturer uploads live segments and maintains the segment index.
type Capturer struct {
	cfg      *config.Config
	store    *state.Store
	uploader Uploader
	logger   *slog.Logger

	mu      sync.Mutex
	index   state.SegmentIndex
	dirty   bool
	pending map[string]*time.Timer

	// ready carries paths whose events have quiesced back to the run loop.
	ready chan string

	now func() time.Time
}

// New wires a capturer from its collaborators.
func New(cfg *config.Config, store *state.Store, uploader Uploader, logger *slog.Logger) *Capturer {
	return &Capturer{
		cfg:      cfg,
		store:    store,
		uploader: uploader,
		logger:   logger,
		index:    make(state.SegmentIndex),
		pending:  make(map[string]*time.Timer),
		ready:    make(chan string, 256),
		now:      time.Now,
	}
}

// Run loads the index, uploads any pre-existing segments, then watches the
// HLS directory until the context is cancelled. The index is flushed one
// last time on shutdown.
func (c *Capturer) Run(ctx context.Context) error {
	idx, err := c.store.LoadSegments()
	if err != nil {
		return err
	}
	c.index = idx

	if err := c.scanExisting(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.cfg.Paths.HLSDir); err != nil {
		return fmt.Errorf("watching %s: %w", c.cfg.Paths.HLSDir, err)
	}
	c.logger.Info("watching for segments", slog.String("dir", c.cfg.Paths.HLSDir))

	flush := time.NewTicker(c.cfg.Capture.FlushDelay)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			c.stopPending()
			c.Flush()
			return ctx.Err()
		case <-flush.C:
			c.Flush()
		case event, ok := <-watcher.Events:
			if !ok {
				c.Flush()
				return fmt.Errorf("watcher closed")
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				c.handleEvent(event.Name)
			}
		case path := <-c.ready:
			c.handleSegment(ctx, path)
		case err, ok := <-watcher.Errors:
			if !ok {
				c.Flush()
				return fmt.Errorf("watcher closed")
			}
			c.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// scanExisting uploads segments that were produced while the capturer was
// down.
func (c *Capturer) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(c.cfg.Paths.HLSDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scanning %s: %w", c.cfg.Paths.HLSDir, err)
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ts") {
			continue
		}
		if c.known(e.Name()) {
			continue
		}
		c.handleSegment(ctx, filepath.Join(c.cfg.Paths.HLSDir, e.Name()))
		count++
	}
	if count > 0 {
		c.logger.Info("uploaded pre-existing segments", slog.Int("count", count))
	}
	c.Flush()
	return nil
}

func (c *Capturer) known(filename string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, bucket := range c.index {
		if _, ok := bucket[filename]; ok {
			return true
		}
	}
	return false
}

// handleEvent debounces watcher events per file: the upload is deferred
// until no event has arrived for the settle window, so a segment still
// being written is never read early. The producer keeps emitting Write
// events while it appends, each one pushing the deadline out.
func (c *Capturer) handleEvent(path string) {
	filename := filepath.Base(path)
	if !strings.HasSuffix(filename, ".ts") || ExtractQuality(filename) == "" {
		return
	}
	if c.known(filename) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	c.pending[path] = time.AfterFunc(settleDelay, func() {
		c.mu.Lock()
		delete(c.pending, path)
		c.mu.Unlock()
		select {
		case c.ready <- path:
		default:
			c.logger.Warn("settled segment dropped, queue full",
				slog.String("file", filepath.Base(path)))
		}
	})
}

// stopPending cancels outstanding settle timers on shutdown.
func (c *Capturer) stopPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, t := range c.pending {
		t.Stop()
		delete(c.pending, path)
	}
}

// handleSegment validates and uploads one settled segment file.
func (c *Capturer) handleSegment(ctx context.Context, path string) {
	filename := filepath.Base(path)
	if !strings.HasSuffix(filename, ".ts") {
		return
	}
	quality := ExtractQuality(filename)
	if quality == "" {
		c.logger.Debug("ignoring segment with unrecognized name", slog.String("file", filename))
		return
	}
	if c.known(filename) {
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		c.logger.Warn("skipping invalid segment", slog.String("file", filename))
		return
	}

	cid, err := c.uploader.AddFile(ctx, path, true)
	if err != nil {
		c.logger.Error("segment upload failed",
			slog.String("file", filename),
			slog.String("error", err.Error()),
		)
		return
	}

	c.Record(quality, filename, cid, info.Size())
	c.logger.Info("segment uploaded",
		slog.String("file", filename),
		slog.String("quality", quality),
		slog.String("cid", cid),
		slog.Int64("size", info.Size()),
	)
}

// Record adds one uploaded segment to the index and marks it for the next
// flush. Entries evicted by the per-quality cap drop out of the index, so
// the cleanup service never sees them; their pins stay in the store until
// removed out of band.
func (c *Capturer) Record(quality, filename, cid string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := c.index.Add(quality, filename, state.SegmentRecord{
		CID:       cid,
		Timestamp: c.now().Unix(),
		Size:      size,
		NodeID:    c.cfg.NodeID,
	}, c.cfg.Capture.MaxSegments)
	for name := range evicted {
		c.logger.Info("evicted old segment from index", slog.String("file", name))
	}
	c.dirty = true
}

// Flush persists the index if it changed since the last flush.
func (c *Capturer) Flush() {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	snapshot := make(state.SegmentIndex, len(c.index))
	for q, bucket := range c.index {
		b := make(map[string]state.SegmentRecord, len(bucket))
		for k, v := range bucket {
			b[k] = v
		}
		snapshot[q] = b
	}
	c.dirty = false
	c.mu.Unlock()

	if err := c.store.SaveSegments(snapshot); err != nil {
		c.logger.Error("persisting segment index", slog.String("error", err.Error()))
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
	}
}

// ExtractQuality pulls the quality token from a live segment filename of the
// form {quality}_{duration}_{timestamp}_{position}.ts.
func ExtractQuality(filename string) string {
	name := strings.TrimSuffix(filename, ".ts")
	parts := strings.Split(name, "_")
	if len(parts) < 4 || parts[0] == "" {
		return ""
	}
	return parts[0]
}
