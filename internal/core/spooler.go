package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDispatchTimeout = 30 * time.Second
	defaultSweepInterval   = time.Minute
	archiveTimeout         = time.Minute
)

type FileStore interface {
	Store(ctx context.Context, r io.Reader, suggestedName string) (Handle, error)
	Remove(h Handle) error
}

// PageCounter returns ErrNotPDF for files it cannot count.
type PageCounter interface {
	CountPages(path string) (int, error)
}

// Archiver takes ownership of a printed file. It must leave nothing behind in
// the queue directory when it returns nil.
type Archiver interface {
	Archive(ctx context.Context, job Job) error
}

type SpoolerConfig struct {
	RequireCode     bool
	MaxCopies       int
	MaxPages        int
	CheckPages      bool
	DispatchTimeout time.Duration
	SweepInterval   time.Duration
}

// Spooler drives jobs through their lifecycle: store, register, confirm,
// dispatch, and release of the stored file.
type Spooler struct {
	cfg        SpoolerConfig
	registry   *Registry
	store      FileStore
	dispatcher Dispatcher
	pages      PageCounter
	archiver   Archiver
	observers  []Observer
	logger     *zap.Logger

	mu       sync.Mutex
	running  bool
	stopping bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

func NewSpooler(cfg SpoolerConfig, registry *Registry, store FileStore, dispatcher Dispatcher, logger *zap.Logger) *Spooler {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Spooler{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

func (s *Spooler) SetPageCounter(pc PageCounter) {
	s.pages = pc
}

func (s *Spooler) SetArchiver(a Archiver) {
	s.archiver = a
}

// AddObserver must be called before Start.
func (s *Spooler) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

func (s *Spooler) RequireCode() bool {
	return s.cfg.RequireCode
}

func (s *Spooler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop refuses new work, halts the sweeper, waits for running dispatches,
// then drops every remaining job and removes the files no finished job has
// released yet.
func (s *Spooler) Stop() {
	s.mu.Lock()
	s.stopping = true
	if s.running {
		s.running = false
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.waitDispatches()

	removed := make(map[string]bool)
	for _, job := range s.registry.Drain() {
		if job.State == StateDone || removed[job.Handle.Path] {
			continue
		}
		removed[job.Handle.Path] = true
		if err := s.store.Remove(job.Handle); err != nil {
			s.logger.Warn("failed to remove queued file", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if len(removed) > 0 {
		s.logger.Info("discarded unfinished jobs", zap.Int("files", len(removed)))
	}
}

// waitDispatches returns once every dispatch has finished, or after the
// dispatch timeout plus archiving time for a mechanism that ignores its
// deadline.
func (s *Spooler) waitDispatches() {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.DispatchTimeout + archiveTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("dispatches still running at shutdown")
	}
}

func (s *Spooler) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// beginDispatch registers a dispatch unless Stop has begun.
func (s *Spooler) beginDispatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Spooler) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Sweep evicts expired jobs and removes files nothing references any more.
func (s *Spooler) Sweep(now time.Time) int {
	evicted := s.registry.Evict(now)
	for _, job := range evicted {
		if job.State != StateDone && !s.registry.HandleInUse(job.Handle.Path, job.ID) {
			if err := s.store.Remove(job.Handle); err != nil {
				s.logger.Warn("failed to remove evicted file", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
		s.logger.Debug("job evicted", zap.String("job_id", job.ID), zap.String("state", job.State.String()))
	}
	return len(evicted)
}

// Submit stores an upload and registers a job for it. With code gating the job
// is returned Pending; otherwise it is dispatched before Submit returns.
func (s *Spooler) Submit(ctx context.Context, r io.Reader, name string, copies int) (Job, error) {
	if s.isStopping() {
		return Job{}, ErrShuttingDown
	}
	if copies < 1 {
		return Job{}, ErrInvalidCopies
	}
	if s.cfg.MaxCopies > 0 && copies > s.cfg.MaxCopies {
		return Job{}, ErrTooManyCopies
	}

	h, err := s.store.Store(ctx, r, name)
	if err != nil {
		return Job{}, err
	}

	if err := s.checkPages(h, copies); err != nil {
		s.discard(h)
		return Job{}, err
	}

	job, err := s.registry.Create(h, copies, s.cfg.RequireCode)
	if err != nil {
		s.discard(h)
		return Job{}, fmt.Errorf("register job: %w", err)
	}
	s.notify(job, "")

	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("file", h.Name),
		zap.Int64("size", h.Size),
		zap.Int("copies", copies),
		zap.String("state", job.State.String()),
	)

	if job.State == StatePending {
		return job, nil
	}
	return s.dispatch(ctx, job)
}

// Confirm consumes a code and dispatches its job, blocking until the print
// mechanism answers or the dispatch timeout expires.
func (s *Spooler) Confirm(ctx context.Context, code string) (Job, error) {
	if s.isStopping() {
		return Job{}, ErrShuttingDown
	}
	job, err := s.registry.Confirm(code)
	if err != nil {
		return Job{}, err
	}
	s.notify(job, StatePending)

	s.logger.Info("job confirmed", zap.String("job_id", job.ID))
	return s.dispatch(ctx, job)
}

// Redispatch prints the file of a failed job again as a new job.
func (s *Spooler) Redispatch(ctx context.Context, failedID string) (Job, error) {
	job, err := s.registry.Reprint(failedID)
	if err != nil {
		return Job{}, err
	}
	s.notify(job, "")

	s.logger.Info("job dispatched again", zap.String("job_id", job.ID), zap.String("reprint_of", failedID))
	return s.dispatch(ctx, job)
}

func (s *Spooler) Job(id string) (Job, error) {
	return s.registry.Get(id)
}

func (s *Spooler) Jobs(state JobState) []Job {
	return s.registry.List(state)
}

func (s *Spooler) Stats() RegistryStats {
	return s.registry.Stats()
}

func (s *Spooler) dispatch(ctx context.Context, job Job) (Job, error) {
	if !s.beginDispatch() {
		return job, ErrShuttingDown
	}
	defer s.inflight.Done()

	job, err := s.registry.Transition(job.ID, StateDispatched, "")
	if err != nil {
		return job, err
	}
	s.notify(job, StateConfirmed)

	// A client hanging up does not retract a print already handed over.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DispatchTimeout)
	defer cancel()

	ack, derr := s.dispatcher.Dispatch(dctx, job.Handle, job.Copies)
	if derr != nil {
		derr = s.classify(dctx, derr)
		failed, terr := s.registry.Transition(job.ID, StateFailed, derr.Error())
		if terr != nil {
			s.logger.Error("failed to record dispatch failure", zap.String("job_id", job.ID), zap.Error(terr))
			return job, terr
		}
		s.notify(failed, StateDispatched)
		s.logger.Warn("dispatch failed",
			zap.String("job_id", job.ID),
			zap.Int("copies", job.Copies),
			zap.Error(derr),
		)
		return failed, derr
	}

	done, err := s.registry.Transition(job.ID, StateDone, "")
	if err != nil {
		s.logger.Error("failed to record dispatch success", zap.String("job_id", job.ID), zap.Error(err))
		return job, err
	}
	s.notify(done, StateDispatched)
	s.logger.Info("job printed",
		zap.String("job_id", job.ID),
		zap.Int("copies", job.Copies),
		zap.Duration("duration", ack.Duration),
		zap.String("output", ack.Output),
	)

	s.release(ctx, done)
	return done, nil
}

func (s *Spooler) classify(ctx context.Context, err error) error {
	var de *DispatchError
	if errors.As(err, &de) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewDispatchError(DispatchTimeout,
			fmt.Sprintf("printer did not answer within %s", s.cfg.DispatchTimeout), err)
	}
	return NewDispatchError(DispatchFailed, err.Error(), err)
}

// release archives or deletes the file of a finished job once nothing else
// needs it.
func (s *Spooler) release(ctx context.Context, job Job) {
	if s.registry.HandleInUse(job.Handle.Path, job.ID) {
		return
	}

	if s.archiver != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		defer cancel()
		err := s.archiver.Archive(actx, job)
		if err == nil {
			return
		}
		s.logger.Warn("failed to archive printed file", zap.String("job_id", job.ID), zap.Error(err))
	}

	s.discard(job.Handle)
}

func (s *Spooler) discard(h Handle) {
	if err := s.store.Remove(h); err != nil {
		s.logger.Warn("failed to remove queued file", zap.String("file", h.Name), zap.Error(err))
	}
}

func (s *Spooler) checkPages(h Handle, copies int) error {
	if !s.cfg.CheckPages || s.pages == nil || s.cfg.MaxPages <= 0 {
		return nil
	}

	n, err := s.pages.CountPages(h.Path)
	if errors.Is(err, ErrNotPDF) {
		return nil
	}
	if err != nil {
		s.logger.Warn("cannot count pages", zap.String("file", h.Name), zap.Error(err))
		return nil
	}
	if n*copies > s.cfg.MaxPages {
		return ErrTooManyPages
	}
	return nil
}

func (s *Spooler) notify(job Job, from JobState) {
	for _, o := range s.observers {
		o.JobTransitioned(job, from)
	}
}
