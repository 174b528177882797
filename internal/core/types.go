package core

import (
	"time"
)

type JobState string

const (
	StatePending    JobState = "pending"
	StateConfirmed  JobState = "confirmed"
	StateDispatched JobState = "dispatched"
	StateDone       JobState = "done"
	StateFailed     JobState = "failed"
)

func (s JobState) String() string {
	return string(s)
}

func (s JobState) IsValid() bool {
	switch s {
	case StatePending, StateConfirmed, StateDispatched, StateDone, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransitionTo reports whether target is a legal next state. Edges only
// move forward: Pending -> Confirmed -> Dispatched -> Done|Failed.
func (s JobState) CanTransitionTo(target JobState) bool {
	switch s {
	case StatePending:
		return target == StateConfirmed
	case StateConfirmed:
		return target == StateDispatched
	case StateDispatched:
		return target == StateDone || target == StateFailed
	}
	return false
}

// Handle references an uploaded file that a Dispatcher can read.
type Handle struct {
	Path     string    `json:"-"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"stored_at"`
}

type Job struct {
	ID           string     `json:"id"`
	Handle       Handle     `json:"file"`
	Copies       int        `json:"copies"`
	State        JobState   `json:"state"`
	Code         string     `json:"-"`
	LastError    string     `json:"last_error,omitempty"`
	ReprintOf    string     `json:"reprint_of,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// HasCode reports whether the job was created behind a confirmation code.
func (j Job) HasCode() bool {
	return j.Code != ""
}

// Observer is notified after every successful state change. Calls happen
// outside the registry lock, on the goroutine that drove the transition. From is
// empty for a newly created job.
type Observer interface {
	JobTransitioned(job Job, from JobState)
}

type Ack struct {
	Output   string
	Duration time.Duration
}

type RegistryStats struct {
	Pending    int `json:"pending"`
	Confirmed  int `json:"confirmed"`
	Dispatched int `json:"dispatched"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}
