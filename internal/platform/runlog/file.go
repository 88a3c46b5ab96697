package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// DefaultPath is the run log read when no path is given.
var DefaultPath = filepath.Join("logs", "run-logs.json")

// FileStore keeps the run history as a JSON array on disk. Every append
// rewrites the whole file through a temporary file and a rename so a crash
// never leaves a partially written log.
type FileStore struct {
	path string
	now  func() time.Time
}

func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultPath
	}
	return &FileStore{path: path, now: time.Now}
}

// Path returns the file backing the store.
func (s *FileStore) Path() string { return s.path }

// Init creates the file with an empty history when it does not exist yet.
// An existing file is validated but left untouched.
func (s *FileStore) Init(ctx context.Context) error {
	_, err := os.Stat(s.path)
	switch {
	case err == nil:
		return s.Check(ctx)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat run log %s: %w", s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create run log directory: %w", err)
	}
	return s.write([]RunRecord{})
}

func (s *FileStore) Check(ctx context.Context) error {
	_, err := s.read()
	return err
}

func (s *FileStore) MostRecentToDate(ctx context.Context) (*time.Time, error) {
	records, err := s.read()
	if err != nil {
		return nil, err
	}
	return latestToDate(records)
}

func (s *FileStore) AppendRun(ctx context.Context, from time.Time, to *time.Time) error {
	records, err := s.read()
	if err != nil {
		return err
	}
	records = append(records, newRecord(from, to, s.now()))
	return s.write(records)
}

func (s *FileStore) read() ([]RunRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: the provided filepath to a LogFile, %s, did not point to a valid JSON file. Create a json file with an empty array at this location: %v",
			ErrInvalidLog, s.path, err)
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s is not valid JSON: %v", ErrInvalidLog, s.path, err)
	}
	if _, ok := raw.([]interface{}); !ok {
		return nil, fmt.Errorf("%w: log file needs to be an array", ErrInvalidLog)
	}
	var records []RunRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: decode records in %s: %v", ErrInvalidLog, s.path, err)
	}
	return records, nil
}

func (s *FileStore) write(records []RunRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run log: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp run log: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp run log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp run log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run log: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace run log: %w", err)
	}
	return nil
}

// latestToDate returns the chronological maximum toDate. Records without a
// toDate are skipped.
func latestToDate(records []RunRecord) (*time.Time, error) {
	var latest *time.Time
	for i, r := range records {
		if r.ToDate == "" {
			continue
		}
		t, err := ParseDate(r.ToDate)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrInvalidLog, i, err)
		}
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}
