package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage keeps uploaded source files on the local filesystem
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates a local storage rooted at dir
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

// Dir returns the storage root
func (ls *LocalStorage) Dir() string {
	return ls.dir
}

// Save writes r to <dir>/<id>_<name> and returns the path and byte count
func (ls *LocalStorage) Save(id, name string, r io.Reader) (string, int64, error) {
	path := filepath.Join(ls.dir, fmt.Sprintf("%s_%s", id, sanitizeFilename(name)))
	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}
	return path, n, nil
}

// Remove deletes a stored file; a missing file is not an error
func (ls *LocalStorage) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// sanitizeFilename strips directories and characters that are unsafe in filenames
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}
