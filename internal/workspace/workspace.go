// Package workspace manages the per-case output directory: final outputs,
// the case log and the run record.
//
// A case directory holds the published volumes, the case log and run.json.
// The log is written as <id>_incomplete.log and renamed to
// <id>_successful.log only when the run succeeds, so a glance at the
// directory tells whether the case finished.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/albo/internal/ctxlog"
	"github.com/vk/albo/internal/fsutil"
)

// Well-known output names inside a case directory.
const (
	BrainMaskFile            = "brainmask.nii.gz"
	SegmentationFile         = "segmentation.nii.gz"
	ProbabilityFile          = "probability.nii.gz"
	StandardSegmentationFile = "standard_segmentation.nii.gz"
	RecordFile               = "run.json"
)

// ErrNotEmpty is returned when a case directory already has content and
// overwriting was not requested.
var ErrNotEmpty = errors.New("case directory is not empty")

// Case is the workspace of one pipeline run. It is safe for concurrent use.
type Case struct {
	ID    string
	Dir   string
	RunID string

	mu        sync.Mutex
	artifacts map[string]string
	record    Record
	log       *os.File
	finished  bool
}

// Prepare creates (or, with force, reuses) the directory root/id, opens the
// case log and writes an initial run record.
func Prepare(ctx context.Context, root, id string, force bool) (*Case, error) {
	if id == "" || id != filepath.Base(id) || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid case id %q", id)
	}
	dir := filepath.Join(root, id)

	exists, empty, err := fsutil.IsEmptyDir(dir)
	if err != nil {
		return nil, fmt.Errorf("inspect case directory: %w", err)
	}
	if exists && !empty && !force {
		return nil, fmt.Errorf("%w: %s (use -force to overwrite)", ErrNotEmpty, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create case directory: %w", err)
	}
	for _, stale := range []string{successLog(id), incompleteLog(id)} {
		if err := os.Remove(filepath.Join(dir, stale)); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale log: %w", err)
		}
	}

	log, err := os.Create(filepath.Join(dir, incompleteLog(id)))
	if err != nil {
		return nil, fmt.Errorf("create case log: %w", err)
	}

	c := &Case{
		ID:        id,
		Dir:       dir,
		RunID:     uuid.NewString(),
		artifacts: make(map[string]string),
		log:       log,
	}
	c.record = Record{
		RunID:     c.RunID,
		CaseID:    id,
		StartTime: time.Now().UTC(),
		Status:    StatusRunning,
		Outputs:   map[string]string{},
	}
	if err := c.save(); err != nil {
		log.Close()
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Case workspace prepared.", "case", id, "dir", dir, "run_id", c.RunID)
	return c, nil
}

// Log returns the writer of the case log.
func (c *Case) Log() io.Writer { return c.log }

// SetArtifact records an intermediate artifact under key.
func (c *Case) SetArtifact(key, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.artifacts[key] = path
}

// Artifact returns the artifact recorded under key.
func (c *Case) Artifact(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.artifacts[key]
	return p, ok
}

// ArtifactKeys returns the sorted artifact keys.
func (c *Case) ArtifactKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.artifacts))
	for k := range c.artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Describe records the selected profile and the sequences the run uses.
func (c *Case) Describe(profile string, sequences map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.Profile = profile
	c.record.Sequences = make(map[string]string, len(sequences))
	for k, v := range sequences {
		c.record.Sequences[k] = v
	}
	return c.saveLocked()
}

// Publish copies src into the case directory as name and returns the new
// path.
func (c *Case) Publish(name, src string) (string, error) {
	dst := filepath.Join(c.Dir, name)
	if err := fsutil.CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("publish %s: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.Outputs[name] = dst
	return dst, nil
}

// AddOutput records a file that was written straight into the case
// directory.
func (c *Case) AddOutput(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.Outputs[name] = filepath.Join(c.Dir, name)
}

// Output returns the path of a published output inside the case directory.
func (c *Case) Output(name string) string { return filepath.Join(c.Dir, name) }

// Finish closes the case log and writes the final run record. A nil runErr
// marks the run successful and relabels the log; otherwise the log keeps its
// incomplete name and the record carries stage and error.
func (c *Case) Finish(runErr error, stage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return nil
	}
	c.finished = true

	var errs []error
	errs = append(errs, c.log.Close())

	now := time.Now().UTC()
	c.record.EndTime = &now
	if runErr == nil {
		c.record.Status = StatusSucceeded
		errs = append(errs, os.Rename(filepath.Join(c.Dir, incompleteLog(c.ID)), filepath.Join(c.Dir, successLog(c.ID))))
	} else {
		c.record.Status = StatusFailed
		c.record.Stage = stage
		c.record.Error = runErr.Error()
	}
	errs = append(errs, c.saveLocked())
	return errors.Join(errs...)
}

// LogPath returns the current path of the case log.
func (c *Case) LogPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record.Status == StatusSucceeded {
		return filepath.Join(c.Dir, successLog(c.ID))
	}
	return filepath.Join(c.Dir, incompleteLog(c.ID))
}

func (c *Case) save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Case) saveLocked() error {
	return SaveRecord(c.Dir, c.record)
}

func incompleteLog(id string) string { return id + "_incomplete.log" }
func successLog(id string) string    { return id + "_successful.log" }
