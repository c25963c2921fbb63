package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/labci/dispatcher/internal/logger"
)

// ValidationError is returned by Save when a record is missing its commit
// key.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Reason }

// NotFoundError is returned by LoadOne when the requested id matches no
// stored record (Load returns an empty slice instead).
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("record not found: %s", e.ID) }

// Store is the single-file, merge-on-write JSON record database described
// by SPEC_FULL.md §4.B. One Store is created per process and is safe for
// concurrent use; in practice the queue's single-worker discipline means
// writes never actually overlap, but the flock guard also protects against
// another process touching the same file.
type Store struct {
	Path   string
	Logger logger.Logger
}

func New(path string, l logger.Logger) *Store {
	return &Store{Path: path, Logger: l}
}

// readAll returns every record currently on disk. A missing file is treated
// as an empty database, per spec.
func (s *Store) readAll() ([]Record, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record db: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	// The on-disk shape is either a single Record object or an array of
	// them; coerce the former to a one-element array.
	var records []Record
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	var single Record
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parsing record db: %w", err)
	}
	return []Record{single}, nil
}

// Load returns every stored record whose commit is prefixed by one of the
// given ids. A 7-to-40 char hex prefix, or a full SHA, both match.
func (s *Store) Load(ids ...string) ([]Record, error) {
	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var out []Record
	for _, rec := range all {
		for _, id := range ids {
			if rec.HasPrefix(id) {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

// LoadOne is a convenience wrapper for the common single-id case, returning
// NotFoundError when nothing matches.
func (s *Store) LoadOne(id string) (Record, error) {
	matches, err := s.Load(id)
	if err != nil {
		return Record{}, err
	}
	if len(matches) == 0 {
		return Record{}, &NotFoundError{ID: id}
	}
	return matches[0], nil
}

// Save merges each given record into the database by commit: existing
// records are overwritten field-by-field, and genuinely new commits are
// appended. The whole file is then rewritten atomically (temp file +
// rename) under an exclusive flock.
func (s *Store) Save(records ...Record) error {
	for _, r := range records {
		if r.Commit == "" {
			return &ValidationError{Reason: "record is missing a commit"}
		}
	}

	lockPath := s.Path + ".lock"
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return fmt.Errorf("creating record db directory: %w", err)
	}

	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("locking record db: %w", err)
	}
	defer fl.Unlock() //nolint:errcheck

	existing, err := s.readAll()
	if err != nil {
		return err
	}

	byCommit := make(map[string]int, len(existing))
	for i, rec := range existing {
		byCommit[rec.Commit] = i
	}

	for _, r := range records {
		if idx, ok := byCommit[r.Commit]; ok {
			existing[idx] = r
		} else {
			byCommit[r.Commit] = len(existing)
			existing = append(existing, r)
		}
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding record db: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing record db temp file: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return fmt.Errorf("replacing record db: %w", err)
	}

	if s.Logger != nil {
		s.Logger.Debug("Saved %d record(s) to %s", len(records), s.Path)
	}
	return nil
}
