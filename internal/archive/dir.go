package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

// DirSink moves archived files under a local directory.
type DirSink struct {
	root string
}

func NewDirSink(root string) (*DirSink, error) {
	if root == "" {
		root = "archive"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &DirSink{root: root}, nil
}

func (s *DirSink) Root() string {
	return s.root
}

func (s *DirSink) Put(ctx context.Context, key, srcPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	err := os.Rename(srcPath, dst)
	if errors.Is(err, syscall.EXDEV) {
		err = copyFile(srcPath, dst)
	}
	if err != nil {
		return fmt.Errorf("failed to move file to archive: %w", err)
	}
	return nil
}

func (s *DirSink) List(ctx context.Context) ([]*ArchiveFile, error) {
	var files []*ArchiveFile
	err := s.walk(ctx, func(key string, info fs.FileInfo) error {
		files = append(files, &ArchiveFile{Key: key, Size: info.Size(), CreatedAt: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Key > files[j].Key })
	return files, nil
}

func (s *DirSink) Prune(ctx context.Context, before time.Time) (int, error) {
	removed := 0
	err := s.walk(ctx, func(key string, info fs.FileInfo) error {
		if !info.ModTime().Before(before) {
			return nil
		}
		if err := os.Remove(filepath.Join(s.root, filepath.FromSlash(key))); err != nil && !os.IsNotExist(err) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to prune archive directory: %w", err)
	}
	return removed, nil
}

func (s *DirSink) walk(ctx context.Context, fn func(key string, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
