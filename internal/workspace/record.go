package workspace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vk/albo/internal/fsutil"
)

// Status is the state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is the persisted summary of one run, stored as run.json in the case
// directory.
type Record struct {
	RunID     string            `json:"run_id"`
	CaseID    string            `json:"case_id"`
	Profile   string            `json:"profile,omitempty"`
	Sequences map[string]string `json:"sequences,omitempty"`
	StartTime time.Time         `json:"start_time"`
	EndTime   *time.Time        `json:"end_time,omitempty"`
	Status    Status            `json:"status"`
	Stage     string            `json:"stage,omitempty"`
	Error     string            `json:"error,omitempty"`
	Outputs   map[string]string `json:"outputs"`
}

// Validate checks the invariants every stored record satisfies.
func (r Record) Validate() error {
	var errs []error
	if _, err := uuid.Parse(r.RunID); err != nil {
		errs = append(errs, fmt.Errorf("run_id: %w", err))
	}
	if strings.TrimSpace(r.CaseID) == "" {
		errs = append(errs, errors.New("case_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case StatusRunning, StatusSucceeded:
	case StatusFailed:
		if r.Error == "" {
			errs = append(errs, errors.New("failed runs must record an error"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

// SaveRecord writes r as dir/run.json atomically.
func SaveRecord(dir string, r Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid run record: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, RecordFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	return nil
}

// LoadRecord reads and validates dir/run.json. Unknown fields are rejected.
func LoadRecord(dir string) (Record, error) {
	data, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if err != nil {
		return Record{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return Record{}, fmt.Errorf("decode run record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid run record on disk: %w", err)
	}
	return r, nil
}
