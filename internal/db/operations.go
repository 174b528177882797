package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/core"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	recordTimeout       = 5 * time.Second
	counterDateLayout   = "2006-01-02"
)

var ErrHistoryNotFound = errors.New("history entry not found")

// Ledger records finished jobs. It observes the spooler and writes one history
// row per job that reaches Done or Failed.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewLedger(conn *sql.DB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: conn, logger: logger}
}

func (l *Ledger) JobTransitioned(job core.Job, _ core.JobState) {
	if !job.State.IsTerminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := l.Record(ctx, job); err != nil {
		l.logger.Error("failed to record print history", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (l *Ledger) Record(ctx context.Context, job core.Job) error {
	if !job.State.IsTerminal() {
		return fmt.Errorf("job %s is still %s", job.ID, job.State)
	}

	// Timestamps are stored in UTC so they compare as text.
	finished := job.UpdatedAt.UTC()
	if job.FinishedAt != nil {
		finished = job.FinishedAt.UTC()
	}
	var dispatched sql.NullTime
	if job.DispatchedAt != nil {
		dispatched = sql.NullTime{Time: job.DispatchedAt.UTC(), Valid: true}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, InsertHistory,
		job.ID, job.Handle.Name, job.Handle.Size, job.Copies, string(job.State),
		job.LastError, job.ReprintOf, job.HasCode(), job.CreatedAt.UTC(), dispatched, finished,
	); err != nil {
		return fmt.Errorf("failed to insert history: %w", err)
	}

	day := finished.Format(counterDateLayout)
	if job.State == core.StateDone {
		_, err = tx.ExecContext(ctx, UpsertCounterDone, day, job.Copies)
	} else {
		_, err = tx.ExecContext(ctx, UpsertCounterFailed, day)
	}
	if err != nil {
		return fmt.Errorf("failed to update print counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	return nil
}

func (l *Ledger) Get(ctx context.Context, jobID string) (*HistoryEntry, error) {
	entry, err := scanHistory(l.db.QueryRowContext(ctx, GetHistoryByJobID, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrHistoryNotFound
		}
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return entry, nil
}

// History lists finished jobs, newest first, with the total matching count.
func (l *Ledger) History(ctx context.Context, filter HistoryFilter) ([]*HistoryEntry, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		rows  *sql.Rows
		total int
		err   error
	)
	if filter.State != "" {
		err = l.db.QueryRowContext(ctx, CountHistoryByState, filter.State).Scan(&total)
		if err == nil {
			rows, err = l.db.QueryContext(ctx, ListHistoryByState, filter.State, limit, offset)
		}
	} else {
		err = l.db.QueryRowContext(ctx, CountHistory).Scan(&total)
		if err == nil {
			rows, err = l.db.QueryContext(ctx, ListHistory, limit, offset)
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	entries := []*HistoryEntry{}
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan history: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}

// Counters returns the daily totals from since onwards, newest first.
func (l *Ledger) Counters(ctx context.Context, since time.Time) ([]DailyCounter, error) {
	rows, err := l.db.QueryContext(ctx, ListCounters, since.UTC().Format(counterDateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list counters: %w", err)
	}
	defer rows.Close()

	counters := []DailyCounter{}
	for rows.Next() {
		var c DailyCounter
		if err := rows.Scan(&c.Date, &c.Jobs, &c.Copies, &c.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// Prune deletes history rows finished before the cutoff.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, DeleteHistoryBefore, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistory(row rowScanner) (*HistoryEntry, error) {
	var (
		e          HistoryEntry
		dispatched sql.NullTime
	)
	if err := row.Scan(
		&e.JobID, &e.FileName, &e.FileSize, &e.Copies, &e.State,
		&e.ErrorMessage, &e.ReprintOf, &e.Gated, &e.CreatedAt, &dispatched, &e.FinishedAt,
	); err != nil {
		return nil, err
	}
	if dispatched.Valid {
		t := dispatched.Time
		e.DispatchedAt = &t
	}
	return &e, nil
}
