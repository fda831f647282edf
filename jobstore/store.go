package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bookwave/convcore/logging/logger"
)

const metaFile = "meta.json"

// ErrNotFound indicates that no usable record exists for the job id.
var ErrNotFound = errors.New("job record does not exist")

// Store persists one metadata document per job under a storage root,
// one directory per job. Writes to the same job id are atomic via the
// temp-file-plus-rename pattern; writes to different job ids need no
// coordination.
type Store struct {
	root string
}

// New creates a store rooted at the given directory, creating it if needed.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) dir(jobID string) string {
	return filepath.Join(s.root, DirName(jobID))
}

// Save serializes the document deterministically and writes it atomically.
// Re-saving an unchanged document produces a byte-identical file. On any
// failure the temporary file is removed and no partial state is committed.
func (s *Store) Save(jobID string, doc any) error {
	if jobID == "" {
		return errors.New("job id is empty")
	}

	dir := s.dir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating job directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding job metadata: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing job metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, metaFile)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("committing job metadata: %w", err)
	}
	return nil
}

// Load reads the metadata document for the job id into out. Absent and
// corrupt records both report ErrNotFound.
func (s *Store) Load(jobID string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.dir(jobID), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("reading job metadata: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: corrupt metadata: %v", ErrNotFound, err)
	}
	return nil
}

// LoadAll scans the storage root and returns every readable metadata
// document keyed by directory name. Unreadable or corrupt entries are
// logged and skipped so one damaged record cannot block startup.
func (s *Store) LoadAll(ctx context.Context) (map[string]json.RawMessage, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scanning storage root: %w", err)
	}

	log := logger.StandardLogger()
	out := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name(), metaFile))
		if err != nil {
			if !os.IsNotExist(err) {
				log.Warnf(ctx, "skipping unreadable job record %s: %v", e.Name(), err)
			}
			continue
		}
		if !json.Valid(data) {
			log.Warnf(ctx, "skipping corrupt job record %s", e.Name())
			continue
		}
		out[e.Name()] = json.RawMessage(data)
	}
	return out, nil
}

// Delete removes the job's persisted directory tree.
func (s *Store) Delete(jobID string) error {
	dir := s.dir(jobID)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("checking job directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing job directory: %w", err)
	}
	return nil
}
