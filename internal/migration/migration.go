// Package migration copies and verifies published archives between two blob
// stores. The catalog inventory, not a backend listing, decides which keys
// exist. Runs assume no concurrent writers.
package migration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ned1313/pub-registry/internal/apperr"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/metrics"
	"github.com/ned1313/pub-registry/internal/storage"
)

// Inventory lists every archive the catalog references
type Inventory interface {
	Inventory(ctx context.Context) ([]database.InventoryItem, error)
}

// Item outcomes
const (
	OutcomeCopied        = "copied"
	OutcomeSkipped       = "skipped"
	OutcomeMissingSource = "missing_source"
	OutcomeFailed        = "failed"

	OutcomeMatched       = "matched"
	OutcomeMismatched    = "mismatched"
	OutcomeMissingTarget = "missing_target"
)

// Options tune a migrate or verify run
type Options struct {
	Concurrency int     // Parallel item workers; values below 1 mean 1
	RatePerSec  float64 // Items started per second; 0 = unlimited
	Overwrite   bool    // Re-copy items already present in the target

	// CopyTimeout bounds one item once started. In-flight items run to
	// completion with this deadline even after the run is interrupted.
	CopyTimeout time.Duration

	// Progress is called after each item, never concurrently
	Progress func(Progress)
}

// Progress reports one finished item
type Progress struct {
	Done    int
	Total   int
	Key     string
	Outcome string
	Err     error
}

// Failure is an item that could not be processed
type Failure struct {
	Key string
	Err error
}

// Migrator moves archives from a source to a target store
type Migrator struct {
	inventory Inventory
	source    storage.BlobStore
	target    storage.BlobStore
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// New creates a migrator between source and target
func New(inventory Inventory, source, target storage.BlobStore, log *zap.Logger, m *metrics.Metrics) *Migrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Migrator{
		inventory: inventory,
		source:    source,
		target:    target,
		log:       log,
		metrics:   m,
	}
}

// Preview classifies every inventory key by where it exists
type Preview struct {
	Total      int
	Bytes      int64
	OnlySource []string
	OnlyTarget []string
	Both       []string
	Neither    []string
}

// Preview reports which keys a migration would copy without writing anything
func (m *Migrator) Preview(ctx context.Context) (*Preview, error) {
	items, err := m.inventory.Inventory(ctx)
	if err != nil {
		return nil, apperr.BackendFailure("read inventory", err)
	}

	p := &Preview{Total: len(items)}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inSource, err := m.source.Exists(ctx, item.ArchiveKey)
		if err != nil {
			return nil, apperr.MigrationFailure(item.ArchiveKey, err)
		}
		inTarget, err := m.target.Exists(ctx, item.ArchiveKey)
		if err != nil {
			return nil, apperr.MigrationFailure(item.ArchiveKey, err)
		}

		switch {
		case inSource && inTarget:
			p.Both = append(p.Both, item.ArchiveKey)
		case inSource:
			p.OnlySource = append(p.OnlySource, item.ArchiveKey)
			p.Bytes += item.ArchiveSize
		case inTarget:
			p.OnlyTarget = append(p.OnlyTarget, item.ArchiveKey)
		default:
			p.Neither = append(p.Neither, item.ArchiveKey)
		}
	}
	return p, nil
}

// Report summarizes a migrate run
type Report struct {
	Total         int
	Copied        int
	Skipped       int
	MissingSource int
	Failures      []Failure

	// Interrupted is set when the run stopped before dispatching every item
	Interrupted bool
}

// Migrate copies every inventory item missing from the target, verifying
// each against its catalog digest. A failed item is recorded and the run
// continues; rerunning resumes where the previous run stopped.
func (m *Migrator) Migrate(ctx context.Context, opts Options) (*Report, error) {
	items, err := m.inventory.Inventory(ctx)
	if err != nil {
		return nil, apperr.BackendFailure("read inventory", err)
	}

	report := &Report{Total: len(items)}
	m.log.Info("starting storage migration",
		zap.Int("items", len(items)),
		zap.String("source", m.source.Kind()),
		zap.String("target", m.target.Kind()),
		zap.Bool("overwrite", opts.Overwrite))

	var mu sync.Mutex
	done := 0
	record := func(item database.InventoryItem, outcome string, err error) {
		mu.Lock()
		defer mu.Unlock()

		done++
		switch outcome {
		case OutcomeCopied:
			report.Copied++
		case OutcomeSkipped:
			report.Skipped++
		case OutcomeMissingSource:
			report.MissingSource++
		case OutcomeFailed:
			report.Failures = append(report.Failures, Failure{Key: item.ArchiveKey, Err: err})
			m.log.Warn("migration item failed", zap.String("key", item.ArchiveKey), zap.Error(err))
		}
		m.metrics.RecordMigrationItem(outcome)
		if opts.Progress != nil {
			opts.Progress(Progress{Done: done, Total: len(items), Key: item.ArchiveKey, Outcome: outcome, Err: err})
		}
	}

	m.run(ctx, items, opts, report, func(ictx context.Context, item database.InventoryItem) {
		outcome, err := m.migrateItem(ictx, item, opts.Overwrite)
		record(item, outcome, err)
	})

	m.log.Info("storage migration finished",
		zap.Int("copied", report.Copied),
		zap.Int("skipped", report.Skipped),
		zap.Int("missing_source", report.MissingSource),
		zap.Int("failed", len(report.Failures)),
		zap.Bool("interrupted", report.Interrupted))

	return report, nil
}

func (m *Migrator) migrateItem(ctx context.Context, item database.InventoryItem, overwrite bool) (string, error) {
	if !overwrite {
		exists, err := m.target.Exists(ctx, item.ArchiveKey)
		if err != nil {
			return OutcomeFailed, apperr.MigrationFailure(item.ArchiveKey, err)
		}
		if exists {
			return OutcomeSkipped, nil
		}
	}

	want, err := storage.ParseSHA256(item.ArchiveSHA256)
	if err != nil {
		return OutcomeFailed, apperr.MigrationFailure(item.ArchiveKey, err)
	}

	err = storage.Copy(ctx, m.target, item.ArchiveKey, m.source, item.ArchiveKey, want, item.ArchiveSize)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return OutcomeMissingSource, nil
	case err != nil:
		return OutcomeFailed, apperr.MigrationFailure(item.ArchiveKey, err)
	}
	return OutcomeCopied, nil
}

// VerifyReport summarizes a verify run
type VerifyReport struct {
	Total            int
	Matched          int
	Mismatched       []string
	SourceMismatched []string
	MissingSource    []string
	MissingTarget []string
	Failures      []Failure
	Interrupted   bool
}

// Clean reports whether every item is present in the target with the
// catalog digest and no source copy disagrees with it
func (r *VerifyReport) Clean() bool {
	return len(r.Mismatched) == 0 && len(r.SourceMismatched) == 0 &&
		len(r.MissingTarget) == 0 && len(r.Failures) == 0 && !r.Interrupted
}

// sourceCheck is the state of an item's source copy
type sourceCheck int

const (
	sourceMatched sourceCheck = iota
	sourceMissing
	sourceMismatched
)

// Verify checks every inventory item without modifying either store: both
// copies are hashed and the target copy must exist with the catalog digest.
// Source copies that are absent or differ are reported separately.
func (m *Migrator) Verify(ctx context.Context, opts Options) (*VerifyReport, error) {
	items, err := m.inventory.Inventory(ctx)
	if err != nil {
		return nil, apperr.BackendFailure("read inventory", err)
	}

	report := &VerifyReport{Total: len(items)}
	shadow := &Report{}

	var mu sync.Mutex
	done := 0
	m.run(ctx, items, opts, shadow, func(ictx context.Context, item database.InventoryItem) {
		outcome, src, err := m.verifyItem(ictx, item)

		mu.Lock()
		defer mu.Unlock()
		done++
		switch src {
		case sourceMissing:
			report.MissingSource = append(report.MissingSource, item.ArchiveKey)
		case sourceMismatched:
			report.SourceMismatched = append(report.SourceMismatched, item.ArchiveKey)
		}
		switch outcome {
		case OutcomeMatched:
			report.Matched++
		case OutcomeMismatched:
			report.Mismatched = append(report.Mismatched, item.ArchiveKey)
		case OutcomeMissingTarget:
			report.MissingTarget = append(report.MissingTarget, item.ArchiveKey)
		case OutcomeFailed:
			report.Failures = append(report.Failures, Failure{Key: item.ArchiveKey, Err: err})
		}
		if opts.Progress != nil {
			opts.Progress(Progress{Done: done, Total: len(items), Key: item.ArchiveKey, Outcome: outcome, Err: err})
		}
	})
	report.Interrupted = shadow.Interrupted

	return report, nil
}

func (m *Migrator) verifyItem(ctx context.Context, item database.InventoryItem) (string, sourceCheck, error) {
	src, err := m.checkCopy(ctx, m.source, item)
	if err != nil {
		return OutcomeFailed, sourceMatched, apperr.MigrationFailure(item.ArchiveKey, err)
	}

	rc, err := m.target.Get(ctx, item.ArchiveKey)
	if errors.Is(err, storage.ErrNotFound) {
		return OutcomeMissingTarget, src, nil
	}
	if err != nil {
		return OutcomeFailed, src, apperr.MigrationFailure(item.ArchiveKey, err)
	}
	defer rc.Close()

	got, size, err := storage.DigestReader(rc)
	if err != nil {
		return OutcomeFailed, src, apperr.MigrationFailure(item.ArchiveKey, err)
	}
	if got.Encoded() != item.ArchiveSHA256 || size != item.ArchiveSize {
		return OutcomeMismatched, src, nil
	}
	return OutcomeMatched, src, nil
}

// checkCopy hashes the copy of item held by store against the catalog
func (m *Migrator) checkCopy(ctx context.Context, store storage.BlobStore, item database.InventoryItem) (sourceCheck, error) {
	rc, err := store.Get(ctx, item.ArchiveKey)
	if errors.Is(err, storage.ErrNotFound) {
		return sourceMissing, nil
	}
	if err != nil {
		return sourceMatched, err
	}
	defer rc.Close()

	got, size, err := storage.DigestReader(rc)
	if err != nil {
		return sourceMatched, err
	}
	if got.Encoded() != item.ArchiveSHA256 || size != item.ArchiveSize {
		return sourceMismatched, nil
	}
	return sourceMatched, nil
}

// run fans fn out over items. Cancelling ctx stops dispatching new items,
// including one already waiting for a worker slot; items already started
// finish on a context detached from ctx.
func (m *Migrator) run(ctx context.Context, items []database.InventoryItem, opts Options, report *Report, fn func(context.Context, database.InventoryItem)) {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	copyTimeout := opts.CopyTimeout
	if copyTimeout <= 0 {
		copyTimeout = 10 * time.Minute
	}

	var limiter *rate.Limiter
	if opts.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}

	detached := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(concurrency)
	var skipped atomic.Bool

	for _, item := range items {
		if ctx.Err() != nil {
			report.Interrupted = true
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				report.Interrupted = true
				break
			}
		}

		item := item
		g.Go(func() error {
			if ctx.Err() != nil {
				skipped.Store(true)
				return nil
			}
			ictx, cancel := context.WithTimeout(detached, copyTimeout)
			defer cancel()
			fn(ictx, item)
			return nil
		})
	}

	_ = g.Wait()
	if skipped.Load() {
		report.Interrupted = true
	}

	if report.Interrupted {
		m.log.Warn("run interrupted; in-flight items completed")
	}
}
