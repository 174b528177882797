package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/httprint/internal/core"
)

type countingPruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (p *countingPruner) Prune(_ context.Context, before time.Time) (int64, error) {
	p.cutoff = before
	return p.n, p.err
}

func queuedJob(t *testing.T, name string) core.Job {
	t.Helper()
	path := filepath.Join(t.TempDir(), "3f1c.pdf")
	require.NoError(t, os.WriteFile(path, []byte("printed"), 0o600))
	finished := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	return core.Job{
		ID:         "3f1c",
		Handle:     core.Handle{Path: path, Name: name, Size: 7},
		State:      core.StateDone,
		UpdatedAt:  finished,
		FinishedAt: &finished,
	}
}

func TestKey(t *testing.T) {
	finished := time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)
	job := core.Job{ID: "abc", Handle: core.Handle{Name: "Q2 report.pdf"}, FinishedAt: &finished}
	assert.Equal(t, "2024/06/03/abc-Q2 report.pdf", Key(job))

	job.Handle.Name = `..\evil/name.pdf`
	assert.Equal(t, "2024/06/03/abc-.._evil_name.pdf", Key(job))

	job.Handle.Name = ""
	assert.Equal(t, "2024/06/03/abc-document", Key(job))
}

func TestArchiver_ArchiveMovesFile(t *testing.T) {
	sink, err := NewDirSink(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)

	var removed []core.Handle
	a := NewArchiver(sink, func(h core.Handle) error {
		removed = append(removed, h)
		return nil
	}, Config{}, nil)

	job := queuedJob(t, "invoice.pdf")
	require.NoError(t, a.Archive(context.Background(), job))

	_, err = os.Stat(job.Handle.Path)
	assert.True(t, os.IsNotExist(err))
	require.Len(t, removed, 1)

	data, err := os.ReadFile(filepath.Join(sink.Root(), "2024", "06", "03", "3f1c-invoice.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "printed", string(data))

	files, err := a.ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "2024/06/03/3f1c-invoice.pdf", files[0].Key)
	assert.Equal(t, int64(7), files[0].Size)
}

func TestArchiver_ArchiveMissingFile(t *testing.T) {
	sink, err := NewDirSink(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)
	a := NewArchiver(sink, nil, Config{}, nil)

	job := core.Job{ID: "x", Handle: core.Handle{Path: filepath.Join(t.TempDir(), "gone.pdf"), Name: "gone.pdf"}}
	assert.Error(t, a.Archive(context.Background(), job))
}

func TestArchiver_Prune(t *testing.T) {
	sink, err := NewDirSink(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)

	oldPath := filepath.Join(sink.Root(), "2024", "01", "01", "old.pdf")
	newPath := filepath.Join(sink.Root(), "2024", "06", "01", "new.pdf")
	for _, p := range []string{oldPath, newPath} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(oldPath, now.AddDate(0, 0, -60), now.AddDate(0, 0, -60)))
	require.NoError(t, os.Chtimes(newPath, now.AddDate(0, 0, -1), now.AddDate(0, 0, -1)))

	pruner := &countingPruner{n: 3}
	a := NewArchiver(sink, nil, Config{KeepDays: 30}, nil)
	a.AddPruner(pruner)

	require.NoError(t, a.Prune(context.Background(), now))

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	assert.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -30), pruner.cutoff)
}

func TestArchiver_PruneDisabled(t *testing.T) {
	sink, err := NewDirSink(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)

	pruner := &countingPruner{}
	a := NewArchiver(sink, nil, Config{}, nil)
	a.AddPruner(pruner)

	require.NoError(t, a.Prune(context.Background(), time.Now()))
	assert.True(t, pruner.cutoff.IsZero())
}

func TestArchiver_PrunerError(t *testing.T) {
	sink, err := NewDirSink(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)

	a := NewArchiver(sink, nil, Config{KeepDays: 1}, nil)
	a.AddPruner(&countingPruner{err: errors.New("database is locked")})

	assert.Error(t, a.Prune(context.Background(), time.Now()))
}

func TestArchiver_StartStop(t *testing.T) {
	sink, err := NewDirSink(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)

	a := NewArchiver(sink, nil, Config{KeepDays: 7, PruneInterval: time.Hour}, nil)
	a.Start()
	a.Start()
	a.Stop()
	a.Stop()
}

func TestNewMinioSink(t *testing.T) {
	_, err := NewMinioSink(S3Config{})
	assert.Error(t, err)

	s, err := NewMinioSink(S3Config{Endpoint: "localhost:9000", Bucket: "prints", Prefix: "/httprint/"})
	require.NoError(t, err)
	assert.Equal(t, "httprint/2024/06/03/a.pdf", s.objectName("2024/06/03/a.pdf"))
	assert.Equal(t, "2024/06/03/a.pdf", s.trimPrefix("httprint/2024/06/03/a.pdf"))
	assert.Equal(t, "httprint/", s.listOptions().Prefix)
	assert.True(t, s.listOptions().Recursive)
}
