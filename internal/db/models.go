package db

import (
	"time"
)

type HistoryEntry struct {
	JobID        string     `json:"job_id"`
	FileName     string     `json:"file_name"`
	FileSize     int64      `json:"file_size"`
	Copies       int        `json:"copies"`
	State        string     `json:"state"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ReprintOf    string     `json:"reprint_of,omitempty"`
	Gated        bool       `json:"gated"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   time.Time  `json:"finished_at"`
}

type DailyCounter struct {
	Date     string `json:"date"`
	Jobs     int64  `json:"jobs"`
	Copies   int64  `json:"copies"`
	Failures int64  `json:"failures"`
}

type HistoryFilter struct {
	State  string
	Limit  int
	Offset int
}
