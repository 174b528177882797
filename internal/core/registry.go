package core

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type RegistryConfig struct {
	CodeDigits int
	// CodeTTL bounds how long a Pending job waits for its code. Zero keeps it forever.
	CodeTTL time.Duration
	// Retention bounds how long Done and Failed jobs stay queryable. Zero keeps them forever.
	Retention time.Duration
}

// Registry owns every live job. All reads return copies; all mutations go
// through its methods and hold mu only for the map update.
type Registry struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	byCode     map[string]string
	consumed   map[string]string
	codeDigits int
	codeTTL    time.Duration
	retention  time.Duration
	codeSource codeSource
	now        func() time.Time
}

func NewRegistry(cfg RegistryConfig) *Registry {
	digits := cfg.CodeDigits
	if digits <= 0 {
		digits = defaultCodeDigits
	}
	if digits > maxCodeDigits {
		digits = maxCodeDigits
	}

	return &Registry{
		jobs:       make(map[string]*Job),
		byCode:     make(map[string]string),
		consumed:   make(map[string]string),
		codeDigits: digits,
		codeTTL:    cfg.CodeTTL,
		retention:  cfg.Retention,
		codeSource: randomCode,
		now:        time.Now,
	}
}

func (j *Job) advance(to JobState, at time.Time) error {
	if !j.State.CanTransitionTo(to) {
		return &TransitionError{JobID: j.ID, From: j.State, To: to}
	}
	j.State = to
	j.UpdatedAt = at
	switch to {
	case StateDispatched:
		j.DispatchedAt = &at
	case StateDone, StateFailed:
		j.FinishedAt = &at
	}
	return nil
}

func (r *Registry) newJob(h Handle, copies int, at time.Time) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Handle:    h,
		Copies:    copies,
		State:     StatePending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// Create registers a job for a stored file. With requireCode the job waits in
// Pending behind a fresh code; otherwise it moves to Confirmed immediately.
func (r *Registry) Create(h Handle, copies int, requireCode bool) (Job, error) {
	if copies < 1 {
		return Job{}, ErrInvalidCopies
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	job := r.newJob(h, copies, now)

	if requireCode {
		code, err := r.nextCode()
		if err != nil {
			return Job{}, err
		}
		job.Code = code
		r.byCode[code] = job.ID
	} else if err := job.advance(StateConfirmed, now); err != nil {
		return Job{}, err
	}

	r.jobs[job.ID] = job
	return *job, nil
}

func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// LookupByCode finds the Pending job holding code without consuming it.
func (r *Registry) LookupByCode(code string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, err := r.pendingByCode(code)
	if errors.Is(err, ErrAlreadyConsumed) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return *job, nil
}

// Confirm consumes code and moves its job from Pending to Confirmed. It is the
// only way a gated job becomes Confirmed; of two concurrent calls with the same
// code exactly one succeeds.
func (r *Registry) Confirm(code string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.pendingByCode(code)
	if err != nil {
		return Job{}, err
	}
	if err := job.advance(StateConfirmed, r.now()); err != nil {
		return Job{}, err
	}

	delete(r.byCode, code)
	r.consumed[code] = job.ID
	return *job, nil
}

// pendingByCode must be called with r.mu held.
func (r *Registry) pendingByCode(code string) (*Job, error) {
	id, ok := r.byCode[code]
	if !ok {
		if _, used := r.consumed[code]; used {
			return nil, ErrAlreadyConsumed
		}
		return nil, ErrNotFound
	}

	job, ok := r.jobs[id]
	if !ok || job.State != StatePending || r.expired(job, r.now()) {
		return nil, ErrNotFound
	}
	return job, nil
}

// Transition applies a state-machine edge. Confirmed is reachable only via
// Confirm or the auto-confirm in Create, so it is rejected here.
func (r *Registry) Transition(id string, to JobState, detail string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if to == StateConfirmed {
		return Job{}, &TransitionError{JobID: id, From: job.State, To: to}
	}
	if err := job.advance(to, r.now()); err != nil {
		return Job{}, err
	}
	if to == StateFailed {
		job.LastError = detail
	}
	return *job, nil
}

// Reprint creates a Confirmed job for the file of a Failed job. A failed job
// can be reprinted once.
func (r *Registry) Reprint(failedID string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.jobs[failedID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if old.State != StateFailed {
		return Job{}, ErrNotRedispatchable
	}
	if old.SupersededBy != "" {
		return Job{}, ErrAlreadyRedispatched
	}

	now := r.now()
	job := r.newJob(old.Handle, old.Copies, now)
	job.ReprintOf = old.ID
	if err := job.advance(StateConfirmed, now); err != nil {
		return Job{}, err
	}

	old.SupersededBy = job.ID
	r.jobs[job.ID] = job
	return *job, nil
}

func (r *Registry) List(state JobState) []Job {
	r.mu.RLock()
	jobs := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, *job)
	}
	r.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs
}

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats RegistryStats
	for _, job := range r.jobs {
		stats.Total++
		switch job.State {
		case StatePending:
			stats.Pending++
		case StateConfirmed:
			stats.Confirmed++
		case StateDispatched:
			stats.Dispatched++
		case StateDone:
			stats.Done++
		case StateFailed:
			stats.Failed++
		}
	}
	return stats
}

// HandleInUse reports whether any job other than exceptID may still need the
// file at path. Done jobs and failed jobs that were reprinted do not count.
func (r *Registry) HandleInUse(path, exceptID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, job := range r.jobs {
		if id == exceptID || job.Handle.Path != path || job.SupersededBy != "" {
			continue
		}
		if job.State != StateDone {
			return true
		}
	}
	return false
}

func (r *Registry) expired(job *Job, now time.Time) bool {
	switch {
	case job.State == StatePending:
		return r.codeTTL > 0 && now.Sub(job.CreatedAt) >= r.codeTTL
	case job.State.IsTerminal():
		return r.retention > 0 && now.Sub(job.UpdatedAt) >= r.retention
	}
	return false
}

// Evict removes stale Pending jobs and terminal jobs past retention. Confirmed
// and Dispatched jobs are in flight and never evicted.
func (r *Registry) Evict(now time.Time) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []Job
	for id, job := range r.jobs {
		if !r.expired(job, now) {
			continue
		}
		r.remove(id, job)
		evicted = append(evicted, *job)
	}
	return evicted
}

// Drain removes every job, used on shutdown.
func (r *Registry) Drain() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := make([]Job, 0, len(r.jobs))
	for id, job := range r.jobs {
		r.remove(id, job)
		drained = append(drained, *job)
	}
	return drained
}

// remove must be called with r.mu held.
func (r *Registry) remove(id string, job *Job) {
	delete(r.jobs, id)
	if job.Code == "" {
		return
	}
	if r.byCode[job.Code] == id {
		delete(r.byCode, job.Code)
	}
	if r.consumed[job.Code] == id {
		delete(r.consumed, job.Code)
	}
}
