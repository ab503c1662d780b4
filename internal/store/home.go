package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Home is the on-disk layout: <dir>/state.json and <dir>/dist.
type Home struct {
	Dir string
}

// DefaultHome resolves ~/bolt.
func DefaultHome() (Home, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return Home{}, fmt.Errorf("store: resolve home: %w", err)
	}
	return Home{Dir: filepath.Join(dir, HomeDirName)}, nil
}

func (h Home) StatePath() string { return filepath.Join(h.Dir, StateFileName) }
func (h Home) DistPath() string  { return filepath.Join(h.Dir, "dist") }

func (h Home) Store() *FileStore { return NewFileStore(h.StatePath()) }

// Bootstrap creates the home directory and seeds state.json with initial
// when the file is missing. An existing state file is left untouched.
func (h Home) Bootstrap(initial []byte) error {
	if h.Dir == "" {
		return errors.New("store: empty home dir")
	}
	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return fmt.Errorf("store: create home: %w", err)
	}
	if err := os.MkdirAll(h.DistPath(), 0o755); err != nil {
		return fmt.Errorf("store: create dist: %w", err)
	}
	_, err := os.Stat(h.StatePath())
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: stat state: %w", err)
	}
	return h.Store().Save(initial)
}

// Reset wipes the home directory and bootstraps it again.
func (h Home) Reset(initial []byte) error {
	if h.Dir == "" || h.Dir == string(filepath.Separator) {
		return fmt.Errorf("store: refusing to reset %q", h.Dir)
	}
	if err := os.RemoveAll(h.Dir); err != nil {
		return fmt.Errorf("store: remove home: %w", err)
	}
	return h.Bootstrap(initial)
}
