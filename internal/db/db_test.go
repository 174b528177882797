package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/httprint/internal/core"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	conn, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewLedger(conn, nil)
}

func finishedJob(id string, state core.JobState, finished time.Time) core.Job {
	created := finished.Add(-time.Minute)
	dispatched := finished.Add(-time.Second)
	job := core.Job{
		ID:           id,
		Handle:       core.Handle{Name: id + ".pdf", Size: 1024},
		Copies:       2,
		State:        state,
		CreatedAt:    created,
		UpdatedAt:    finished,
		DispatchedAt: &dispatched,
		FinishedAt:   &finished,
	}
	if state == core.StateFailed {
		job.LastError = "lp: printer offline"
	}
	return job
}

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "ledger.db")

	conn, err := Open(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer conn.Close()

	var n int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestLedger_RecordAndGet(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	finished := time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC)

	job := finishedJob("job-1", core.StateFailed, finished)
	job.Code = "1234"
	require.NoError(t, l.Record(ctx, job))

	entry, err := l.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1.pdf", entry.FileName)
	assert.Equal(t, int64(1024), entry.FileSize)
	assert.Equal(t, 2, entry.Copies)
	assert.Equal(t, "failed", entry.State)
	assert.Equal(t, "lp: printer offline", entry.ErrorMessage)
	assert.True(t, entry.Gated)
	assert.True(t, finished.Equal(entry.FinishedAt))
	require.NotNil(t, entry.DispatchedAt)
	assert.True(t, finished.Add(-time.Second).Equal(*entry.DispatchedAt))

	_, err = l.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}

func TestLedger_RecordRejectsLiveJobs(t *testing.T) {
	l := openTestLedger(t)

	err := l.Record(context.Background(), core.Job{ID: "x", State: core.StateDispatched})
	assert.Error(t, err)
}

func TestLedger_ObserverRecordsTerminalOnly(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	finished := time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC)

	l.JobTransitioned(core.Job{ID: "pending", State: core.StatePending}, "")
	l.JobTransitioned(finishedJob("done", core.StateDone, finished), core.StateDispatched)

	entries, total, err := l.History(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, entries, 1)
	assert.Equal(t, "done", entries[0].JobID)
}

func TestLedger_HistoryFilterAndOrder(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, finishedJob("a", core.StateDone, base)))
	require.NoError(t, l.Record(ctx, finishedJob("b", core.StateFailed, base.Add(time.Hour))))
	require.NoError(t, l.Record(ctx, finishedJob("c", core.StateDone, base.Add(2*time.Hour))))

	entries, total, err := l.History(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{entries[0].JobID, entries[1].JobID, entries[2].JobID})

	done, total, err := l.History(ctx, HistoryFilter{State: "done", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, done, 1)
	assert.Equal(t, "c", done[0].JobID)

	page, _, err := l.History(ctx, HistoryFilter{State: "done", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a", page[0].JobID)
}

func TestLedger_Counters(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	day1 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, finishedJob("a", core.StateDone, day1)))
	require.NoError(t, l.Record(ctx, finishedJob("b", core.StateDone, day2)))
	require.NoError(t, l.Record(ctx, finishedJob("c", core.StateDone, day2)))
	require.NoError(t, l.Record(ctx, finishedJob("d", core.StateFailed, day2)))

	counters, err := l.Counters(ctx, day1)
	require.NoError(t, err)
	assert.Equal(t, []DailyCounter{
		{Date: "2024-05-02", Jobs: 2, Copies: 4, Failures: 1},
		{Date: "2024-05-01", Jobs: 1, Copies: 2, Failures: 0},
	}, counters)

	recent, err := l.Counters(ctx, day2)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestLedger_Prune(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	old := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, l.Record(ctx, finishedJob("old", core.StateDone, old)))
	require.NoError(t, l.Record(ctx, finishedJob("new", core.StateDone, recent)))

	n, err := l.Prune(ctx, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = l.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrHistoryNotFound)
}
