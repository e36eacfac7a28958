package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

const fileExtension = ".ckpt"

// FileStore keeps one file per checkpoint in a directory. Writes go to a temp file
// that is synced and renamed into place, so a crash never leaves a partial file
// under a checkpoint's name.
type FileStore struct {
	dir    string
	logger zerolog.Logger
}

// NewFileStore creates dir if needed
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: create dir %s: %v", ErrIO, dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "checkpoint_file").Str("dir", dir).Logger(),
	}, nil
}

// Path resolves a name to a file path. Names containing a path separator or an
// extension are used as given; bare names live in the store directory.
func (s *FileStore) Path(name string) string {
	if strings.ContainsAny(name, `/\`) || filepath.Ext(name) != "" {
		return name
	}
	return filepath.Join(s.dir, name+fileExtension)
}

// Save implements Store
func (s *FileStore) Save(ctx context.Context, name string, ckpt *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(ckpt)
	if err != nil {
		return err
	}

	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("%w: create dir for %s: %v", ErrIO, path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ErrIO, path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrIO, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename into %s: %v", ErrIO, path, err)
	}

	s.logger.Info().
		Str("path", path).
		Int64("step", ckpt.StepCount).
		Int("bytes", len(data)).
		Msg("Saved checkpoint")
	return nil
}

// Load implements Store
func (s *FileStore) Load(ctx context.Context, name string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	ckpt, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.logger.Info().Str("path", path).Int64("step", ckpt.StepCount).Msg("Loaded checkpoint")
	return ckpt, nil
}

// List implements Store
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrIO, s.dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != fileExtension || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), fileExtension))
	}
	sortNames(names)
	return names, nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}
