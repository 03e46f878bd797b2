package attachment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errInvalidFilename is returned for names that do not reduce to a plain file name.
var errInvalidFilename = errors.New("invalid attachment filename")

// FilesystemStore keeps one file per distinct filename in a flat directory.
type FilesystemStore struct {
	dir string
}

// NewFilesystemStore creates the directory if needed and returns a store rooted there.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("attachment directory is required")
	}
	clean := filepath.Clean(dir)
	if err := os.MkdirAll(clean, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	return &FilesystemStore{dir: clean}, nil
}

// Dir returns the directory the store writes to.
func (s *FilesystemStore) Dir() string {
	return s.dir
}

// Put writes data to <dir>/<base name of filename>. The write goes through a
// temporary file and a rename so readers never observe a partial file.
func (s *FilesystemStore) Put(ctx context.Context, filename string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &PersistError{Filename: filename, Err: err}
	}

	path, err := s.resolvePath(filename)
	if err != nil {
		return "", &PersistError{Filename: filename, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", &PersistError{Filename: filename, Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &PersistError{Filename: filename, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &PersistError{Filename: filename, Err: err}
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		os.Remove(tmpPath)
		return "", &PersistError{Filename: filename, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", &PersistError{Filename: filename, Err: err}
	}

	return path, nil
}

// resolvePath maps a sender-declared filename onto a path inside the store
// directory. Directory components are dropped.
func (s *FilesystemStore) resolvePath(filename string) (string, error) {
	name := strings.TrimSpace(filename)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", errInvalidFilename
	}
	if strings.HasPrefix(name, ".upload-") {
		return "", errInvalidFilename
	}
	return filepath.Join(s.dir, name), nil
}
