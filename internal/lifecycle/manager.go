// Package lifecycle enforces retention limits on persisted corpora and
// cleans up stale upload files.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/hollowaylabs/docqd/internal/corpus"
)

var tracer = otel.Tracer("docqd.lifecycle")

// Config holds retention settings.
type Config struct {
	// MaxCorpora is the maximum number of corpora kept on disk.
	MaxCorpora int

	// MaxAge is how long a corpus may exist before age-based removal.
	MaxAge time.Duration

	// Interval is the minimum gap between non-forced cleanup runs.
	Interval time.Duration

	// UploadDir holds uploaded source files awaiting ingestion.
	UploadDir string

	// UploadTTL is how long an unreferenced upload may linger.
	UploadTTL time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxCorpora == 0 {
		c.MaxCorpora = 20
	}
	if c.MaxAge == 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.UploadDir == "" {
		c.UploadDir = "./uploads"
	}
	if c.UploadTTL == 0 {
		c.UploadTTL = 24 * time.Hour
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxCorpora < 1 {
		return fmt.Errorf("max_corpora must be at least 1, got %d", c.MaxCorpora)
	}
	if c.MaxAge < 0 || c.Interval < 0 || c.UploadTTL < 0 {
		return fmt.Errorf("retention durations must not be negative")
	}
	return nil
}

// CleanupStats summarizes one cleanup run.
type CleanupStats struct {
	RemovedByAge   int       `json:"removed_by_age"`
	RemovedByCount int       `json:"removed_by_count"`
	Errors         int       `json:"errors"`
	TotalBefore    int       `json:"total_before"`
	TotalAfter     int       `json:"total_after"`
	Skipped        bool      `json:"skipped"`
	RanAt          time.Time `json:"ran_at"`
}

// StorageStats describes the current state of the corpus directory.
type StorageStats struct {
	CorpusCount int       `json:"corpus_count"`
	TotalBytes  int64     `json:"total_bytes"`
	OldestAt    time.Time `json:"oldest_at,omitempty"`
	NewestAt    time.Time `json:"newest_at,omitempty"`
	LastCleanup time.Time `json:"last_cleanup,omitempty"`
}

// Manager applies retention policy to the corpus store.
//
// Cleanup runs are serialized by a single lock; concurrent callers wait
// rather than race over the same directory.
type Manager struct {
	config Config
	store  *corpus.Store
	logger *zap.Logger

	mu      sync.Mutex
	lastRun time.Time

	now func() time.Time
}

// NewManager creates a retention manager over the given store.
func NewManager(config Config, store *corpus.Store, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retention config: %w", err)
	}
	return &Manager{
		config: config,
		store:  store,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Cleanup removes corpora past MaxAge, then the oldest corpora beyond
// MaxCorpora. Non-forced runs are skipped when the last run was less than
// Interval ago; forced runs always proceed.
//
// Individual removal failures are counted and logged, never fatal, so one
// bad directory cannot stall retention for the rest.
func (m *Manager) Cleanup(ctx context.Context, force bool) (*CleanupStats, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.cleanup")
	defer span.End()
	span.SetAttributes(attribute.Bool("force", force))

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	stats := &CleanupStats{RanAt: now}

	if !force && !m.lastRun.IsZero() && now.Sub(m.lastRun) < m.config.Interval {
		stats.Skipped = true
		span.SetAttributes(attribute.Bool("skipped", true))
		return stats, nil
	}

	entries, err := m.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("listing corpora: %w", err)
	}
	stats.TotalBefore = len(entries)

	// Oldest first, so the count pass removes in age order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.Before(entries[j].ModTime)
	})

	remaining := entries[:0]
	for _, e := range entries {
		if now.Sub(e.ModTime) <= m.config.MaxAge {
			remaining = append(remaining, e)
			continue
		}
		if err := m.store.Delete(ctx, e.Metadata.CorpusID); err != nil {
			stats.Errors++
			m.logger.Warn("failed to remove expired corpus",
				zap.String("corpus_id", e.Metadata.CorpusID), zap.Error(err))
			remaining = append(remaining, e)
			continue
		}
		stats.RemovedByAge++
		m.logger.Info("removed expired corpus",
			zap.String("corpus_id", e.Metadata.CorpusID),
			zap.Duration("age", now.Sub(e.ModTime)),
		)
	}

	for len(remaining) > m.config.MaxCorpora {
		e := remaining[0]
		if err := m.store.Delete(ctx, e.Metadata.CorpusID); err != nil {
			stats.Errors++
			m.logger.Warn("failed to remove surplus corpus",
				zap.String("corpus_id", e.Metadata.CorpusID), zap.Error(err))
			break
		}
		stats.RemovedByCount++
		m.logger.Info("removed surplus corpus",
			zap.String("corpus_id", e.Metadata.CorpusID))
		remaining = remaining[1:]
	}

	stats.TotalAfter = len(remaining)
	m.lastRun = now

	span.SetAttributes(
		attribute.Int("removed_by_age", stats.RemovedByAge),
		attribute.Int("removed_by_count", stats.RemovedByCount),
		attribute.Int("errors", stats.Errors),
	)
	span.SetStatus(codes.Ok, "success")
	return stats, nil
}

// CleanupOrphanedUploads removes files in the upload directory that are
// older than UploadTTL and not referenced by any corpus. Returns the number
// of files removed.
func (m *Manager) CleanupOrphanedUploads(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.cleanup_uploads")
	defer span.End()

	entries, err := m.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing corpora: %w", err)
	}
	referenced := make(map[string]bool)
	for _, e := range entries {
		for _, name := range e.Metadata.SourceFiles {
			referenced[filepath.Base(name)] = true
		}
	}

	files, err := os.ReadDir(m.config.UploadDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading upload dir: %w", err)
	}

	now := m.now()
	removed := 0
	for _, f := range files {
		if f.IsDir() || referenced[f.Name()] {
			continue
		}
		info, err := f.Info()
		if err != nil || now.Sub(info.ModTime()) <= m.config.UploadTTL {
			continue
		}
		if err := os.Remove(filepath.Join(m.config.UploadDir, f.Name())); err != nil {
			m.logger.Warn("failed to remove orphaned upload",
				zap.String("file", f.Name()), zap.Error(err))
			continue
		}
		removed++
		m.logger.Info("removed orphaned upload", zap.String("file", f.Name()))
	}

	span.SetAttributes(attribute.Int("removed", removed))
	return removed, nil
}

// Stats reports the current corpus count, disk usage, and age range.
func (m *Manager) Stats(ctx context.Context) (*StorageStats, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing corpora: %w", err)
	}

	m.mu.Lock()
	stats := &StorageStats{CorpusCount: len(entries), LastCleanup: m.lastRun}
	m.mu.Unlock()

	for _, e := range entries {
		stats.TotalBytes += e.SizeBytes
		if stats.OldestAt.IsZero() || e.ModTime.Before(stats.OldestAt) {
			stats.OldestAt = e.ModTime
		}
		if e.ModTime.After(stats.NewestAt) {
			stats.NewestAt = e.ModTime
		}
	}
	return stats, nil
}

// Run executes Cleanup and CleanupOrphanedUploads on a ticker until the
// context is canceled. The first run happens after one interval, not at
// startup.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Cleanup(ctx, false); err != nil {
				m.logger.Error("scheduled cleanup failed", zap.Error(err))
			}
			if _, err := m.CleanupOrphanedUploads(ctx); err != nil {
				m.logger.Error("upload cleanup failed", zap.Error(err))
			}
		}
	}
}
