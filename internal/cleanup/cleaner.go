// Package cleanup bounds storage in capture deployments: it periodically
// unpins and deletes segments that have aged out of retention or exceed the
// per-quality count cap, and occasionally triggers repo garbage collection.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sleetbubble/sleetbubble/internal/config"
	"github.com/sleetbubble/sleetbubble/internal/ipfs"
	"github.com/sleetbubble/sleetbubble/internal/state"
)

// CAS is the slice of the store client the cleaner needs.
type CAS interface {
	PinRm(ctx context.Context, cid string) error
	RepoGC(ctx context.Context) error
	RepoStat(ctx context.Context) (*ipfs.RepoStat, error)
}

type removal struct {
	quality  string
	filename string
	record   state.SegmentRecord
	reason   string // age or count
}

// Cleaner runs the periodic cleanup cycle.
type Cleaner struct {
	cfg    *config.Config
	store  *state.Store
	cas    CAS
	logger *slog.Logger

	cycles int

	now func() time.Time
}

// New wires a cleaner from its collaborators.
func New(cfg *config.Config, store *state.Store, cas CAS, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		cfg:    cfg,
		store:  store,
		cas:    cas,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes one cycle immediately, then on the configured interval until
// the context is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	c.Cycle(ctx)

	scheduler := cron.New()
	scheduler.Schedule(cron.Every(c.cfg.Cleanup.Interval), cron.FuncJob(func() {
		c.Cycle(ctx)
	}))
	scheduler.Start()

	<-ctx.Done()
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	return ctx.Err()
}

// Cycle performs one cleanup pass and, every gc_every_cycles passes, a repo
// garbage collection with a storage report.
func (c *Cleaner) Cycle(ctx context.Context) {
	c.cycles++

	if err := c.cleanupSegments(ctx); err != nil {
		c.logger.Error("cleanup cycle failed", slog.String("error", err.Error()))
	}

	if c.cfg.Cleanup.GCEveryCycles > 0 && c.cycles%c.cfg.Cleanup.GCEveryCycles == 0 {
		c.logger.Info("running repo garbage collection", slog.Int("cycle", c.cycles))
		if err := c.cas.RepoGC(ctx); err != nil {
			c.logger.Error("repo gc failed", slog.String("error", err.Error()))
		}
		c.reportStorage(ctx)
	}
}

func (c *Cleaner) cleanupSegments(ctx context.Context) error {
	idx, err := c.store.LoadSegments()
	if err != nil {
		return err
	}
	if len(idx) == 0 {
		c.logger.Debug("no segments to clean up")
		return nil
	}

	removals := c.selectRemovals(idx)
	if len(removals) == 0 {
		c.logger.Debug("no segments needed cleanup")
		return nil
	}

	now := c.now().Unix()
	var removed int
	var freed int64
	for _, r := range removals {
		if err := c.cas.PinRm(ctx, r.record.CID); err != nil {
			// Keep the entry so the unpin is retried next cycle.
			c.logger.Warn("unpin failed, keeping entry",
				slog.String("file", r.filename),
				slog.String("cid", r.record.CID),
				slog.String("error", err.Error()),
			)
			continue
		}

		local := filepath.Join(c.cfg.Paths.HLSDir, r.filename)
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("deleting local file",
				slog.String("file", r.filename),
				slog.String("error", err.Error()),
			)
		}

		delete(idx[r.quality], r.filename)
		removed++
		freed += r.record.Size
		c.logger.Info("removed segment",
			slog.String("file", r.filename),
			slog.String("reason", r.reason),
			slog.Int64("age_seconds", now-r.record.Timestamp),
		)
	}

	if removed > 0 {
		if err := c.store.SaveSegments(idx); err != nil {
			return err
		}
		c.logger.Info("cleanup complete",
			slog.Int("removed", removed),
			slog.String("freed", fmt.Sprintf("%.2f MB", float64(freed)/1024/1024)),
		)
	}
	return nil
}

// selectRemovals picks, per quality bucket, segments past retention plus any
// excess over the count cap (oldest first), deduplicated.
func (c *Cleaner) selectRemovals(idx state.SegmentIndex) []removal {
	now := c.now().Unix()
	retention := int64(c.cfg.Cleanup.RetentionTime / time.Second)

	var removals []removal
	for quality, bucket := range idx {
		if len(bucket) == 0 {
			continue
		}
		c.logger.Info("checking quality bucket",
			slog.String("quality", quality),
			slog.Int("segments", len(bucket)),
		)

		sorted := idx.SortedFilenames(quality)
		selected := make(map[string]bool)

		for _, name := range sorted {
			if now-bucket[name].Timestamp > retention {
				selected[name] = true
				removals = append(removals, removal{quality, name, bucket[name], "age"})
			}
		}

		if excess := len(sorted) - c.cfg.Cleanup.MaxSegments; excess > 0 {
			for _, name := range sorted[:excess] {
				if selected[name] {
					continue
				}
				selected[name] = true
				removals = append(removals, removal{quality, name, bucket[name], "count"})
			}
		}
	}
	return removals
}

func (c *Cleaner) reportStorage(ctx context.Context) {
	stats, err := c.cas.RepoStat(ctx)
	if err != nil {
		c.logger.Warn("repo stat failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("repo storage",
		slog.String("repo_size", fmt.Sprintf("%.2f MB", float64(stats.RepoSize)/1024/1024)),
		slog.String("storage_max", fmt.Sprintf("%.2f MB", float64(stats.StorageMax)/1024/1024)),
		slog.Uint64("objects", stats.NumObjects),
	)
}
