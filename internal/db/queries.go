package db

const (
	InsertHistory = `
		INSERT OR REPLACE INTO print_history
			(job_id, file_name, file_size, copies, state, error_message, reprint_of, gated, created_at, dispatched_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	GetHistoryByJobID = `
		SELECT job_id, file_name, file_size, copies, state, error_message, reprint_of, gated, created_at, dispatched_at, finished_at
		FROM print_history WHERE job_id = ?
	`

	ListHistory = `
		SELECT job_id, file_name, file_size, copies, state, error_message, reprint_of, gated, created_at, dispatched_at, finished_at
		FROM print_history ORDER BY finished_at DESC LIMIT ? OFFSET ?
	`

	ListHistoryByState = `
		SELECT job_id, file_name, file_size, copies, state, error_message, reprint_of, gated, created_at, dispatched_at, finished_at
		FROM print_history WHERE state = ? ORDER BY finished_at DESC LIMIT ? OFFSET ?
	`

	CountHistory        = `SELECT COUNT(*) FROM print_history`
	CountHistoryByState = `SELECT COUNT(*) FROM print_history WHERE state = ?`

	DeleteHistoryBefore = `DELETE FROM print_history WHERE finished_at < ?`
)

const (
	UpsertCounterDone = `
		INSERT INTO print_counters (date, jobs, copies, failures)
		VALUES (?, 1, ?, 0)
		ON CONFLICT(date) DO UPDATE SET jobs = jobs + 1, copies = copies + excluded.copies
	`

	UpsertCounterFailed = `
		INSERT INTO print_counters (date, jobs, copies, failures)
		VALUES (?, 0, 0, 1)
		ON CONFLICT(date) DO UPDATE SET failures = failures + 1
	`

	ListCounters = `
		SELECT date, jobs, copies, failures
		FROM print_counters WHERE date >= ? ORDER BY date DESC
	`
)
