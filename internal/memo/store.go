package memo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/albo/internal/fsutil"
)

const (
	manifestName = "manifest.json"
	scratchDir   = ".tmp"
	indexName    = "index.db"
)

// manifest is written into every entry directory before it is published. Its
// presence is what marks an entry as complete.
type manifest struct {
	Fingerprint string            `json:"fingerprint"`
	Operation   string            `json:"operation"`
	Version     string            `json:"version,omitempty"`
	Outputs     map[string]string `json:"outputs"`
	CreatedAt   time.Time         `json:"created_at"`
	DurationMS  int64             `json:"duration_ms"`
}

func (m manifest) validate() error {
	var errs []error
	if len(m.Fingerprint) < 2 {
		errs = append(errs, errors.New("fingerprint is missing"))
	}
	if m.Operation == "" {
		errs = append(errs, errors.New("operation is missing"))
	}
	for name, file := range m.Outputs {
		if file == "" || filepath.Base(file) != file || file == manifestName {
			errs = append(errs, fmt.Errorf("output %q: %q is not a plain file name", name, file))
		}
	}
	return errors.Join(errs...)
}

// entryDir returns <root>/<fp[0:2]>/<fp>.
func entryDir(root, fp string) string {
	return filepath.Join(root, fp[:2], fp)
}

// lookup returns the stored result for fp, or ok=false when there is no
// complete entry.
func lookup(root, fp string) (Result, bool, error) {
	dir := entryDir(root, fp)
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("decode manifest %s: %w", dir, err)
	}
	if err := m.validate(); err != nil {
		return nil, false, fmt.Errorf("corrupt manifest %s: %w", dir, err)
	}
	if m.Fingerprint != fp {
		return nil, false, fmt.Errorf("manifest %s records fingerprint %s", dir, m.Fingerprint)
	}

	res := make(Result, len(m.Outputs))
	for name, file := range m.Outputs {
		p := filepath.Join(dir, file)
		if _, err := os.Stat(p); err != nil {
			return nil, false, fmt.Errorf("cached artifact %s: %w", p, err)
		}
		res[name] = p
	}
	return res, true, nil
}

// publish moves a finished scratch directory into place under fp. When a
// concurrent writer published the same fingerprint first, the scratch copy is
// discarded and the existing entry is returned.
func publish(root, scratch string, m manifest) (Result, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(scratch, manifestName), data, 0o644); err != nil {
		return nil, err
	}

	dst := entryDir(root, m.Fingerprint)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create shard: %w", err)
	}

	if err := os.Rename(scratch, dst); err != nil {
		if res, ok, lerr := lookup(root, m.Fingerprint); lerr == nil && ok {
			_ = os.RemoveAll(scratch)
			return res, nil
		}
		// The entry in the way is incomplete or damaged.
		if derr := discard(root, m.Fingerprint); derr != nil {
			return nil, fmt.Errorf("publish entry %s: %w", m.Fingerprint, errors.Join(err, derr))
		}
		if err := os.Rename(scratch, dst); err != nil {
			return nil, fmt.Errorf("publish entry %s: %w", m.Fingerprint, err)
		}
	}

	res := make(Result, len(m.Outputs))
	for name, file := range m.Outputs {
		res[name] = filepath.Join(dst, file)
	}
	return res, nil
}

// discard moves the entry of fp into the scratch area and removes it there,
// so readers never see a half-deleted entry.
func discard(root, fp string) error {
	trash, err := os.MkdirTemp(filepath.Join(root, scratchDir), "discard-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(trash)
	if err := os.Rename(entryDir(root, fp), filepath.Join(trash, fp)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard entry %s: %w", fp, err)
	}
	return nil
}

// dirSize sums the sizes of the regular files directly inside dir.
func dirSize(dir string) int64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total
}
