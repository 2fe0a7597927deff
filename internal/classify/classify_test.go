package classify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/folderindex/internal/cancel"
	"github.com/dshills/folderindex/internal/metrics"
	"github.com/dshills/folderindex/pkg/types"
)

func TestClassify_Taxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  types.ErrorType
		retryable bool
	}{
		{"permission sentinel", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrPermission}, types.ErrorPermission, false},
		{"permission text", errors.New("EACCES: permission denied"), types.ErrorPermission, false},
		{"not exist sentinel", fmt.Errorf("stat: %w", fs.ErrNotExist), types.ErrorFileSystem, false},
		{"enotdir text", errors.New("ENOTDIR: not a directory"), types.ErrorFileSystem, false},
		{"network", errors.New("dial tcp: connection refused"), types.ErrorNetwork, true},
		{"database", errors.New("database is locked"), types.ErrorDatabase, true},
		{"timeout sentinel", fmt.Errorf("write: %w", context.DeadlineExceeded), types.ErrorTimeout, true},
		{"timeout text", errors.New("request timed out"), types.ErrorTimeout, true},
		{"cancel token", fmt.Errorf("walk: %w", cancel.ErrCancelled), types.ErrorCancelled, false},
		{"context canceled", context.Canceled, types.ErrorCancelled, false},
		{"validation", errors.New("invalid glob pattern"), types.ErrorValidation, false},
		{"resource", errors.New("too many open files"), types.ErrorResource, false},
		{"unknown", errors.New("something odd"), types.ErrorUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Classify(tt.err, "/folder", "/folder/file.txt")
			assert.Equal(t, tt.wantType, rec.Type)
			assert.Equal(t, tt.retryable, rec.Retryable)
			assert.Equal(t, SeverityOf(tt.wantType), rec.Severity)
			assert.Equal(t, 1, rec.Occurrences)
			assert.Equal(t, "/folder", rec.FolderPath)
		})
	}
}

func TestClassify_NilError(t *testing.T) {
	rec := Classify(nil, "", "")
	assert.Equal(t, types.ErrorUnknown, rec.Type)
	assert.NotEmpty(t, rec.Message)
}

func TestSeverities(t *testing.T) {
	assert.Equal(t, types.SeverityInfo, SeverityOf(types.ErrorCancelled))
	assert.Equal(t, types.SeverityCritical, SeverityOf(types.ErrorDatabase))
	assert.Equal(t, types.SeverityCritical, SeverityOf(types.ErrorResource))
	assert.Equal(t, types.SeverityWarning, SeverityOf(types.ErrorFileSystem))
}

func TestUserMessage(t *testing.T) {
	for _, et := range []types.ErrorType{
		types.ErrorPermission, types.ErrorFileSystem, types.ErrorNetwork, types.ErrorDatabase,
		types.ErrorTimeout, types.ErrorCancelled, types.ErrorValidation, types.ErrorResource, types.ErrorUnknown,
	} {
		assert.NotEmpty(t, UserMessage(et), et)
	}
	assert.Equal(t, UserMessage(types.ErrorUnknown), UserMessage("bogus"))
}

func TestAggregator_DeduplicatesByKey(t *testing.T) {
	agg := NewAggregator(nil, metrics.New())

	first := Classify(errors.New("database is locked"), "/a", "/a/1")
	second := Classify(errors.New("database is locked"), "/a", "/a/2")
	second.Timestamp = first.Timestamp.Add(time.Second)

	agg.Record(first)
	stored := agg.Record(second)

	assert.Equal(t, 2, stored.Occurrences)
	assert.Equal(t, second.Timestamp, stored.Timestamp)
	require.Len(t, agg.List(""), 1)
	assert.Equal(t, 2, agg.Count("/a"))
}

func TestAggregator_MessagePrefixKey(t *testing.T) {
	agg := NewAggregator(nil, nil)
	prefix := strings.Repeat("x", MessageKeyLength)

	agg.Record(Classify(errors.New(prefix+" tail one"), "/a", ""))
	agg.Record(Classify(errors.New(prefix+" tail two"), "/a", ""))

	assert.Len(t, agg.List("/a"), 1)
}

func TestAggregator_SeparatesFoldersAndTypes(t *testing.T) {
	agg := NewAggregator(nil, nil)
	agg.Report(errors.New("permission denied"), "/a", "")
	agg.Report(errors.New("permission denied"), "/b", "")
	agg.Report(errors.New("database is locked"), "/a", "")

	assert.Len(t, agg.List(""), 3)
	assert.Len(t, agg.List("/a"), 2)
	assert.Equal(t, 1, agg.Count("/b"))
}

func TestAggregator_Clear(t *testing.T) {
	agg := NewAggregator(nil, nil)
	agg.Report(errors.New("permission denied"), "/a", "")
	agg.Report(errors.New("permission denied"), "/b", "")

	assert.Equal(t, 1, agg.Clear("/a"))
	assert.Len(t, agg.List(""), 1)
	assert.Equal(t, 1, agg.Clear(""))
	assert.Empty(t, agg.List(""))
}

func TestAggregator_ListNewestFirst(t *testing.T) {
	agg := NewAggregator(nil, nil)
	old := Classify(errors.New("permission denied"), "/a", "")
	old.Timestamp = time.Now().Add(-time.Hour)
	agg.Record(old)
	agg.Record(Classify(errors.New("database is locked"), "/a", ""))

	list := agg.List("/a")
	require.Len(t, list, 2)
	assert.Equal(t, types.ErrorDatabase, list[0].Type)
}
