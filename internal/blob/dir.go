package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirStore keeps each blob as <root>/<id>.jpg.
type DirStore struct {
	root string
}

const dirExt = ".jpg"

// OpenDir creates root if needed and returns a store rooted there.
func OpenDir(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

func (s *DirStore) path(id string) string { return filepath.Join(s.root, id+dirExt) }

func (s *DirStore) Read(_ context.Context, id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Write claims the file with O_EXCL so an existing blob is never overwritten.
func (s *DirStore) Write(_ context.Context, data []byte) (string, error) {
	var f *os.File
	id, err := allocate(func(candidate string) (bool, error) {
		var err error
		f, err = os.OpenFile(s.path(candidate), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(s.path(id))
		return "", fmt.Errorf("blob: write %s: %w", id, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(s.path(id))
		return "", fmt.Errorf("blob: close %s: %w", id, err)
	}
	return id, nil
}

func (s *DirStore) List(_ context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, dirExt) {
			continue
		}
		id := strings.TrimSuffix(name, dirExt)
		if !ValidID(id) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		out = append(out, Record{ID: id, Size: info.Size(), ModTime: info.ModTime()})
	}
	return out, nil
}

func (s *DirStore) Delete(_ context.Context, id string) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return err
}

func (s *DirStore) Close() error { return nil }
