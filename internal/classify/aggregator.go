package classify

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/dshills/folderindex/internal/metrics"
	"github.com/dshills/folderindex/pkg/types"
)

// MessageKeyLength is how many runes of a message take part in the
// aggregation key.
const MessageKeyLength = 100

type aggKey struct {
	errType    types.ErrorType
	folderPath string
	message    string
}

// Aggregator deduplicates error records by (type, folder, message prefix)
type Aggregator struct {
	mu      sync.Mutex
	records map[aggKey]*types.ErrorRecord
	log     hclog.Logger
	metrics *metrics.Metrics
}

// NewAggregator creates an empty aggregator. log and m may be nil.
func NewAggregator(log hclog.Logger, m *metrics.Metrics) *Aggregator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Aggregator{
		records: make(map[aggKey]*types.ErrorRecord),
		log:     log.Named("errors"),
		metrics: m,
	}
}

func keyOf(rec types.ErrorRecord) aggKey {
	msg := []rune(rec.Message)
	if len(msg) > MessageKeyLength {
		msg = msg[:MessageKeyLength]
	}
	return aggKey{errType: rec.Type, folderPath: rec.FolderPath, message: string(msg)}
}

// Record upserts rec. A repeat increments Occurrences and moves Timestamp
// forward. It returns a copy of the stored record.
func (a *Aggregator) Record(rec types.ErrorRecord) types.ErrorRecord {
	if rec.Occurrences <= 0 {
		rec.Occurrences = 1
	}
	k := keyOf(rec)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.metrics.Error(rec.Type)

	existing, ok := a.records[k]
	if !ok {
		stored := rec
		a.records[k] = &stored
		return stored
	}

	existing.Occurrences += rec.Occurrences
	if rec.Timestamp.After(existing.Timestamp) {
		existing.Timestamp = rec.Timestamp
		existing.FilePath = rec.FilePath
	}
	return *existing
}

// Report classifies err, records it and logs it
func (a *Aggregator) Report(err error, folderPath, filePath string) types.ErrorRecord {
	rec := Classify(err, folderPath, filePath)
	stored := a.Record(rec)

	args := []interface{}{"type", rec.Type, "folder", folderPath, "file", filePath, "error", rec.Message}
	switch rec.Severity {
	case types.SeverityInfo:
		a.log.Debug("operation reported", args...)
	case types.SeverityWarning:
		a.log.Warn("operation failed", args...)
	default:
		a.log.Error("operation failed", args...)
	}
	return stored
}

// List returns aggregated records newest first. An empty folderPath lists all.
func (a *Aggregator) List(folderPath string) []types.ErrorRecord {
	a.mu.Lock()
	out := make([]types.ErrorRecord, 0, len(a.records))
	for _, rec := range a.records {
		if folderPath == "" || rec.FolderPath == folderPath {
			out = append(out, *rec)
		}
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// Count sums occurrences for a folder, or for all folders if folderPath is empty
func (a *Aggregator) Count(folderPath string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, rec := range a.records {
		if folderPath == "" || rec.FolderPath == folderPath {
			total += rec.Occurrences
		}
	}
	return total
}

// Clear drops records for a folder, or all records if folderPath is empty.
// It returns the number of aggregated entries removed.
func (a *Aggregator) Clear(folderPath string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if folderPath == "" {
		n := len(a.records)
		a.records = make(map[aggKey]*types.ErrorRecord)
		return n
	}
	removed := 0
	for k := range a.records {
		if k.folderPath == folderPath {
			delete(a.records, k)
			removed++
		}
	}
	return removed
}
