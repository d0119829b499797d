package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/rowjay/snapshot-bridge/internal/util"
)

const uploadDir = ".uploads"

// Local keeps each space as a directory below Root. It serves as both
// ContentStore and TaskClient; cleanup empties the space immediately.
type Local struct {
	Root   string
	hasher FileHasher
}

func NewLocal(root string, hasher FileHasher) *Local {
	return &Local{Root: root, hasher: hasher}
}

// Put writes to a temporary file and renames it into place, so readers
// never observe a partial object. A non-empty checksum is verified first.
func (l *Local) Put(ctx context.Context, spaceID, contentID string, r io.Reader, _ int64, _ string, checksum string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := l.objectPath(spaceID, contentID)
	if err != nil {
		return err
	}
	staging := filepath.Join(l.Root, uploadDir)
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	tmp := filepath.Join(staging, uuid.NewString())
	if err := writeFile(tmp, r); err != nil {
		os.Remove(tmp)
		return err
	}
	if checksum != "" && l.hasher != nil {
		sum, err := l.hasher.File(tmp)
		if err != nil {
			os.Remove(tmp)
			return err
		}
		if sum != checksum {
			os.Remove(tmp)
			return fmt.Errorf("checksum mismatch for %s/%s: got %s, want %s", spaceID, contentID, sum, checksum)
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("create directories: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store %s/%s: %w", spaceID, contentID, err)
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (l *Local) List(ctx context.Context, spaceID string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root, err := l.spacePath(spaceID)
	if err != nil {
		return nil, err
	}
	infos := []ObjectInfo{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		stat, err := d.Info()
		if err != nil {
			return err
		}
		info := ObjectInfo{ContentID: filepath.ToSlash(rel), Size: stat.Size(), Modified: stat.ModTime()}
		if l.hasher != nil {
			if info.Checksum, err = l.hasher.File(path); err != nil {
				return err
			}
		}
		infos = append(infos, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list space %s: %w", spaceID, err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ContentID < infos[j].ContentID })
	return infos, nil
}

func (l *Local) CleanupSnapshot(ctx context.Context, spaceID string) (TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}
	root, err := l.spacePath(spaceID)
	if err != nil {
		return TaskResult{}, err
	}
	entries, err := os.ReadDir(root)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return TaskResult{}, fmt.Errorf("cleanup space %s: %w", spaceID, err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return TaskResult{}, fmt.Errorf("cleanup space %s: %w", spaceID, err)
		}
	}
	return TaskResult{Task: TaskCleanupSnapshot, SpaceID: spaceID, Result: fmt.Sprintf("removed %d entries", len(entries))}, nil
}

func (l *Local) CompleteSnapshot(ctx context.Context, spaceID string) (TaskResult, error) {
	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}
	root, err := l.spacePath(spaceID)
	if err != nil {
		return TaskResult{}, err
	}
	// os.Remove refuses a non-empty directory.
	if err := os.Remove(root); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return TaskResult{}, fmt.Errorf("complete space %s: %w", spaceID, err)
	}
	return TaskResult{Task: TaskCompleteSnapshot, SpaceID: spaceID, Result: "space removed"}, nil
}

func (l *Local) spacePath(spaceID string) (string, error) {
	if spaceID == uploadDir {
		return "", fmt.Errorf("invalid space id %q", spaceID)
	}
	return util.WorkDir(l.Root, spaceID)
}

func (l *Local) objectPath(spaceID, contentID string) (string, error) {
	root, err := l.spacePath(spaceID)
	if err != nil {
		return "", err
	}
	return util.ObjectPath(root, contentID)
}
