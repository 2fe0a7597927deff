// Package persist is the write path between the indexing pipeline and the
// store: dynamic batch sizing, one transaction per batch, retries with linear
// backoff, optional read-back verification and maintenance pass-throughs.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/folderindex/internal/classify"
	"github.com/dshills/folderindex/internal/config"
	"github.com/dshills/folderindex/internal/metrics"
	"github.com/dshills/folderindex/internal/storage"
	"github.com/dshills/folderindex/pkg/types"
)

// VerificationMessage prefixes the error recorded for a record that was
// written but could not be read back
const VerificationMessage = "verification failed"

// Config holds batching and retry tunables
type Config struct {
	MaxRetries           int
	BaseDelay            time.Duration
	SmallFolderThreshold int
	SmallFolderBatchSize int
	MinBatchSize         int
	MaxBatchSize         int
	BatchScaleDivisor    int
}

// ConfigFromSettings extracts the gateway configuration
func ConfigFromSettings(s config.Settings) Config {
	return Config{
		MaxRetries:           s.MaxRetries,
		BaseDelay:            s.RetryBaseDelay.Std(),
		SmallFolderThreshold: s.SmallFolderThreshold,
		SmallFolderBatchSize: s.SmallFolderBatchSize,
		MinBatchSize:         s.MinBatchSize,
		MaxBatchSize:         s.MaxBatchSize,
		BatchScaleDivisor:    s.BatchScaleDivisor,
	}
}

// SaveResult reports the outcome of one or more batches
type SaveResult struct {
	SavedCount int                 `json:"savedCount"`
	Errors     []types.ErrorRecord `json:"errors,omitempty"`
	// Unverified lists IDs that were written but not found on read-back
	Unverified []string `json:"unverified,omitempty"`
}

func (r *SaveResult) merge(o SaveResult) {
	r.SavedCount += o.SavedCount
	r.Errors = append(r.Errors, o.Errors...)
	r.Unverified = append(r.Unverified, o.Unverified...)
}

// Gateway writes records through a storage.Store
type Gateway struct {
	store   storage.Store
	cfg     Config
	errs    *classify.Aggregator
	log     hclog.Logger
	metrics *metrics.Metrics
	sleep   Sleeper
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(l hclog.Logger) Option {
	return func(g *Gateway) { g.log = l.Named("persist") }
}

// WithMetrics attaches instrumentation
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithSleeper replaces the backoff wait, mainly for tests
func WithSleeper(s Sleeper) Option {
	return func(g *Gateway) { g.sleep = s }
}

// New creates a gateway. errs may be nil, in which case failures are only
// returned in SaveResult.
func New(store storage.Store, errs *classify.Aggregator, cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		store: store,
		cfg:   cfg,
		errs:  errs,
		log:   hclog.NewNullLogger(),
		sleep: ContextSleeper,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BatchSize returns the batch size to use for a folder of totalFiles files
func (g *Gateway) BatchSize(totalFiles int) int {
	c := g.cfg
	if totalFiles < c.SmallFolderThreshold {
		return max(c.SmallFolderBatchSize, 1)
	}
	divisor := max(c.BatchScaleDivisor, 1)
	size := (totalFiles + divisor - 1) / divisor
	if size < c.MinBatchSize {
		size = c.MinBatchSize
	}
	if c.MaxBatchSize > 0 && size > c.MaxBatchSize {
		size = c.MaxBatchSize
	}
	return max(size, 1)
}

func (g *Gateway) report(err error, folderPath, filePath string) types.ErrorRecord {
	if g.errs != nil {
		return g.errs.Report(err, folderPath, filePath)
	}
	return classify.Classify(err, folderPath, filePath)
}

// SaveBatch writes records as one transaction, retrying the whole batch on
// failure. Exhausted retries produce one ErrorRecord per record; they are not
// returned as an error.
func (g *Gateway) SaveBatch(ctx context.Context, folderPath string, records []*types.IndexedFileRecord, verify bool) SaveResult {
	var result SaveResult
	if len(records) == 0 {
		return result
	}

	retry := RetryConfig{MaxAttempts: g.cfg.MaxRetries, BaseDelay: g.cfg.BaseDelay}
	onRetry := func(attempt int, err error) {
		g.metrics.BatchWrite(false)
		g.metrics.BatchRetry()
		g.log.Warn("batch write failed, retrying", "folder", folderPath, "attempt", attempt,
			"records", len(records), "error", err)
	}

	saved, attempts, err := retryWithBackoff(ctx, retry, g.sleep, onRetry, func() (int, error) {
		return g.store.WriteBatchTransactional(ctx, records)
	})
	if err != nil {
		g.metrics.BatchWrite(false)
		g.log.Error("batch write abandoned", "folder", folderPath, "attempts", attempts,
			"records", len(records), "error", err)
		for _, rec := range records {
			result.Errors = append(result.Errors, g.report(fmt.Errorf("save %s: %w", rec.Path, err), folderPath, rec.Path))
		}
		return result
	}
	g.metrics.BatchWrite(true)
	result.SavedCount = saved

	if verify {
		result.Unverified, result.Errors = g.verify(ctx, folderPath, records)
	}
	return result
}

func (g *Gateway) verify(ctx context.Context, folderPath string, records []*types.IndexedFileRecord) ([]string, []types.ErrorRecord) {
	var missing []string
	var errs []types.ErrorRecord
	for _, rec := range records {
		ok, err := g.store.Exists(ctx, rec.ID)
		if err == nil && ok {
			continue
		}
		missing = append(missing, rec.ID)
		cause := fmt.Errorf("%s: record %s not found after write", VerificationMessage, rec.ID)
		if err != nil {
			cause = fmt.Errorf("%s: %w", VerificationMessage, err)
		}
		errs = append(errs, g.report(cause, folderPath, rec.Path))
	}
	return missing, errs
}

// SaveAll splits records into batches sized for totalFiles and saves them in
// order. A failed batch does not stop the following ones; a done ctx does.
func (g *Gateway) SaveAll(ctx context.Context, folderPath string, totalFiles int, records []*types.IndexedFileRecord, verify bool) SaveResult {
	var result SaveResult
	size := g.BatchSize(totalFiles)
	for start := 0; start < len(records); start += size {
		if ctx.Err() != nil {
			break
		}
		end := min(start+size, len(records))
		result.merge(g.SaveBatch(ctx, folderPath, records[start:end], verify))
	}
	return result
}

// DeleteByPath removes the record for one file
func (g *Gateway) DeleteByPath(ctx context.Context, folderID, path string) (bool, error) {
	return g.store.DeleteByPath(ctx, folderID, path)
}

// DeleteUnderDir removes every record beneath dir
func (g *Gateway) DeleteUnderDir(ctx context.Context, folderID, dir string) (int, error) {
	return g.store.DeleteUnderDir(ctx, folderID, dir)
}

// DeleteFolder removes every record of a folder
func (g *Gateway) DeleteFolder(ctx context.Context, folderID string) (int, error) {
	return g.store.DeleteAllForFolder(ctx, folderID)
}

// ClearAll removes every record of every folder
func (g *Gateway) ClearAll(ctx context.Context) (int, error) {
	return g.store.ClearAll(ctx)
}

// Stats returns aggregate store statistics
func (g *Gateway) Stats(ctx context.Context) (*storage.StoreStats, error) {
	return g.store.Stats(ctx)
}

// CheckIntegrity reports store problems without fixing them
func (g *Gateway) CheckIntegrity(ctx context.Context, thorough bool) (*storage.IntegrityReport, error) {
	report, err := g.store.CheckIntegrity(ctx, thorough)
	if err != nil {
		return nil, err
	}
	if !report.OK {
		g.log.Warn("integrity check failed", "thorough", thorough, "problems", len(report.Problems),
			"orphans", report.OrphanRecords, "fk_violations", report.ForeignKeyViolations)
	}
	return report, nil
}

// Repair removes orphaned records and rebuilds indexes
func (g *Gateway) Repair(ctx context.Context) (*storage.RepairReport, error) {
	report, err := g.store.Repair(ctx)
	if err != nil {
		return nil, err
	}
	g.log.Info("repair complete", "orphans_removed", report.OrphansRemoved)
	return report, nil
}

// Optimize compacts and re-analyzes the store
func (g *Gateway) Optimize(ctx context.Context) error {
	return g.store.Optimize(ctx)
}
