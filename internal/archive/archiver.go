// Package archive keeps printed files after their job is done, in a local
// directory or an S3 bucket, and prunes them after a retention period.
package archive

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orrn/httprint/internal/core"
)

const (
	defaultPruneInterval = 24 * time.Hour
	pruneTimeout         = 5 * time.Minute
)

type ArchiveFile struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink stores archived files. Put may consume the source file.
type Sink interface {
	Put(ctx context.Context, key, srcPath string) error
	List(ctx context.Context) ([]*ArchiveFile, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Pruner drops records older than a cutoff. The print ledger is one.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// KeepDays is how long archived files are kept. Zero keeps them forever.
	KeepDays      int
	PruneInterval time.Duration
}

type Archiver struct {
	sink     Sink
	remove   func(core.Handle) error
	keepDays int
	interval time.Duration
	pruners  []Pruner
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewArchiver returns an archiver that moves files into sink. remove deletes
// whatever is left of the queued file once the sink has it.
func NewArchiver(sink Sink, remove func(core.Handle) error, cfg Config, logger *zap.Logger) *Archiver {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = defaultPruneInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Archiver{
		sink:     sink,
		remove:   remove,
		keepDays: cfg.KeepDays,
		interval: cfg.PruneInterval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// AddPruner registers a store whose records follow the archive retention.
func (a *Archiver) AddPruner(p Pruner) {
	a.pruners = append(a.pruners, p)
}

func (a *Archiver) Archive(ctx context.Context, job core.Job) error {
	key := Key(job)
	if err := a.sink.Put(ctx, key, job.Handle.Path); err != nil {
		return fmt.Errorf("failed to archive %s: %w", job.Handle.Name, err)
	}
	if a.remove != nil {
		if err := a.remove(job.Handle); err != nil {
			a.logger.Warn("archived file left in queue", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	a.logger.Info("file archived", zap.String("job_id", job.ID), zap.String("key", key))
	return nil
}

func (a *Archiver) ListArchives(ctx context.Context) ([]*ArchiveFile, error) {
	return a.sink.List(ctx)
}

func (a *Archiver) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running || a.keepDays <= 0 {
		return
	}
	a.running = true

	a.wg.Add(1)
	go a.runPrune()
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	if a.running {
		a.running = false
		close(a.stopCh)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Archiver) runPrune() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
			if err := a.Prune(ctx, now); err != nil {
				a.logger.Warn("archive prune failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Prune removes archived files and ledger records older than the retention
// period, measured back from now.
func (a *Archiver) Prune(ctx context.Context, now time.Time) error {
	if a.keepDays <= 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -a.keepDays)

	files, err := a.sink.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune archive: %w", err)
	}

	var rows int64
	for _, p := range a.pruners {
		n, err := p.Prune(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune records: %w", err)
		}
		rows += n
	}

	if files > 0 || rows > 0 {
		a.logger.Info("archive pruned", zap.Int("files", files), zap.Int64("records", rows), zap.Time("cutoff", cutoff))
	}
	return nil
}

// Key names an archived file: <yyyy>/<mm>/<dd>/<job id>-<original name>.
func Key(job core.Job) string {
	finished := job.UpdatedAt
	if job.FinishedAt != nil {
		finished = *job.FinishedAt
	}

	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(job.Handle.Name))
	if name == "" {
		name = "document"
	}

	return path.Join(finished.UTC().Format("2006/01/02"), job.ID+"-"+name)
}
