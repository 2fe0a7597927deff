package progress

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/folderindex/internal/classify"
	"github.com/dshills/folderindex/pkg/types"
)

func TestProgressRule(t *testing.T) {
	tests := []struct {
		name  string
		stats types.FolderStats
		want  int
	}{
		{"half", types.FolderStats{IndexedFiles: 5, TotalFiles: 10}, 50},
		{"floor", types.FolderStats{IndexedFiles: 2, TotalFiles: 3}, 66},
		{"complete", types.FolderStats{IndexedFiles: 10, TotalFiles: 10}, 100},
		{"capped while queued", types.FolderStats{IndexedFiles: 10, TotalFiles: 10, FilesInQueue: 1}, 99},
		{"empty indexing", types.FolderStats{Status: types.StatusIndexing}, 0},
		{"empty indexed", types.FolderStats{Status: types.StatusIndexed}, 100},
		{"empty indexed with queue", types.FolderStats{Status: types.StatusIndexed, FilesInQueue: 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Progress(tt.stats))
		})
	}
}

func TestTransitions(t *testing.T) {
	allowed := [][2]types.IndexStatus{
		{types.StatusNotIndexed, types.StatusIndexing},
		{types.StatusIndexing, types.StatusIndexed},
		{types.StatusIndexing, types.StatusStopped},
		{types.StatusStopped, types.StatusIndexing},
		{types.StatusIndexed, types.StatusIndexing},
		{types.StatusIndexed, types.StatusIndexed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]types.IndexStatus{
		{types.StatusNotIndexed, types.StatusIndexed},
		{types.StatusNotIndexed, types.StatusStopped},
		{types.StatusStopped, types.StatusIndexed},
		{types.StatusIndexed, types.StatusStopped},
		{types.StatusIndexed, types.StatusNotIndexed},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestSetStatus(t *testing.T) {
	tr := New(nil, nil)
	tr.Init("f1", "/data")

	err := tr.SetStatus("f1", types.StatusIndexed)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, tr.SetStatus("f1", types.StatusIndexing))
	require.NoError(t, tr.SetStatus("f1", types.StatusIndexing))
	require.NoError(t, tr.SetStatus("f1", types.StatusIndexed))

	stats, ok := tr.Get("f1")
	require.True(t, ok)
	assert.Equal(t, types.StatusIndexed, stats.Status)
	assert.Equal(t, 100, stats.Progress)

	assert.ErrorIs(t, tr.SetStatus("missing", types.StatusIndexing), ErrUnknownFolder)
}

func TestUpdateInvariants(t *testing.T) {
	tr := New(nil, nil)
	tr.Init("f1", "/data")
	require.NoError(t, tr.SetStatus("f1", types.StatusIndexing))

	stats, err := tr.Update("f1", Delta{Total: 4, Queue: 4})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Progress)

	// more indexed than total is clamped
	stats, err = tr.Update("f1", Delta{Indexed: 10, Queue: -3})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.IndexedFiles)
	assert.Equal(t, 99, stats.Progress)

	stats, err = tr.Update("f1", Delta{Queue: -5})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesInQueue)
	assert.Equal(t, 100, stats.Progress)

	_, err = tr.Update("missing", Delta{})
	assert.ErrorIs(t, err, ErrUnknownFolder)
}

func TestFailuresLeaveTotal(t *testing.T) {
	tr := New(nil, nil)
	tr.Init("f1", "/data")
	require.NoError(t, tr.SetStatus("f1", types.StatusIndexing))

	_, err := tr.Update("f1", Delta{Total: 10, Queue: 10})
	require.NoError(t, err)
	_, err = tr.Update("f1", Delta{Indexed: 8, Queue: -8})
	require.NoError(t, err)
	stats, err := tr.Update("f1", Delta{Total: -2, Failed: 2, Queue: -2})
	require.NoError(t, err)

	assert.Equal(t, 8, stats.TotalFiles)
	assert.Equal(t, 2, stats.FailedFiles)
	assert.Equal(t, 100, stats.Progress)
}

func TestInvariantUnderRandomDeltas(t *testing.T) {
	tr := New(nil, nil)
	tr.Init("f1", "/data")
	deltas := []Delta{
		{Total: 3}, {Indexed: 5}, {Total: -10}, {Queue: -1}, {Indexed: -2},
		{Total: 7, Queue: 7}, {Indexed: 7}, {Queue: -6}, {Failed: -1},
	}
	for _, d := range deltas {
		s, err := tr.Update("f1", d)
		require.NoError(t, err)
		assert.LessOrEqual(t, s.IndexedFiles, s.TotalFiles)
		assert.GreaterOrEqual(t, s.FilesInQueue, 0)
		if s.FilesInQueue > 0 {
			assert.Less(t, s.Progress, 100)
		}
	}
}

func TestResetAndRemove(t *testing.T) {
	tr := New(nil, nil)
	tr.Init("f1", "/data")
	require.NoError(t, tr.SetStatus("f1", types.StatusIndexing))
	_, err := tr.Update("f1", Delta{Total: 3, Indexed: 3})
	require.NoError(t, err)
	require.NoError(t, tr.SetStatus("f1", types.StatusIndexed))

	require.NoError(t, tr.ResetCounts("f1"))
	stats, _ := tr.Get("f1")
	assert.Equal(t, types.FolderStats{Status: types.StatusIndexed, Progress: 100}, stats)

	require.NoError(t, tr.Reset("f1"))
	stats, _ = tr.Get("f1")
	assert.Equal(t, types.StatusNotIndexed, stats.Status)

	tr.Remove("f1")
	_, ok := tr.Get("f1")
	assert.False(t, ok)
	assert.ErrorIs(t, tr.ResetCounts("f1"), ErrUnknownFolder)
}

func TestInitKeepsExistingCounters(t *testing.T) {
	tr := New(nil, nil)
	tr.Init("f1", "/data")
	_, err := tr.Update("f1", Delta{Total: 2})
	require.NoError(t, err)

	stats := tr.Init("f1", "/data2")
	assert.Equal(t, 2, stats.TotalFiles)
	ev, ok := tr.Event("f1")
	require.True(t, ok)
	assert.Equal(t, "/data2", ev.FolderPath)
}

func TestEventsCarryErrorCount(t *testing.T) {
	errs := classify.NewAggregator(nil, nil)
	errs.Report(errors.New("permission denied"), "/b", "/b/x")
	errs.Report(errors.New("permission denied"), "/b", "/b/y")

	tr := New(errs, nil)
	tr.Init("f2", "/b")
	tr.Init("f1", "/a")

	all := tr.All()
	require.Len(t, all, 2)
	assert.Equal(t, "/a", all[0].FolderPath)
	assert.Zero(t, all[0].ErrorCount)
	assert.Equal(t, 2, all[1].ErrorCount)
	assert.Equal(t, types.StatusNotIndexed, all[1].Status)
}

func TestSubscriptionReceivesUpdates(t *testing.T) {
	tr := New(nil, nil)
	sub := tr.Subscribe(8)
	defer sub.Close()

	tr.Init("f1", "/data")
	require.NoError(t, tr.SetStatus("f1", types.StatusIndexing))
	_, err := tr.Update("f1", Delta{Total: 2, Queue: 2, CurrentFile: "/data/a"})
	require.NoError(t, err)

	var got []types.ProgressEvent
	for range 3 {
		got = append(got, <-sub.C)
	}
	assert.Equal(t, types.StatusNotIndexed, got[0].Status)
	assert.Equal(t, types.StatusIndexing, got[1].Status)
	assert.Equal(t, "/data/a", got[2].CurrentFile)
	assert.Equal(t, 2, got[2].FilesInQueue)
}

func TestSubscriptionDropsOldest(t *testing.T) {
	tr := New(nil, nil)
	tr.Init("f1", "/data")
	sub := tr.Subscribe(2)
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		_, err := tr.Update("f1", Delta{Total: 1})
		require.NoError(t, err)
	}

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, 4, first.TotalFiles)
	assert.Equal(t, 5, second.TotalFiles)
}

func TestSubscriptionClose(t *testing.T) {
	tr := New(nil, nil)
	sub := tr.Subscribe(1)
	sub.Close()
	sub.Close()

	_, open := <-sub.C
	assert.False(t, open)

	// publishing after close must not panic
	tr.Init("f1", "/data")
}

func TestConcurrentUpdates(t *testing.T) {
	tr := New(nil, nil)
	tr.Init("f1", "/data")
	sub := tr.Subscribe(1)
	defer sub.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, _ = tr.Update("f1", Delta{Total: 1, Indexed: 1})
			}
		}()
	}
	wg.Wait()

	stats, _ := tr.Get("f1")
	assert.Equal(t, 800, stats.TotalFiles)
	assert.Equal(t, 800, stats.IndexedFiles)
}
