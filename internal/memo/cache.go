package memo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vk/albo/internal/ctxlog"
	"golang.org/x/sync/singleflight"
)

// Options configure a Cache.
type Options struct {
	Dir    string
	Policy string
	// TaskTimeout bounds each operation run. Zero means no limit.
	TaskTimeout time.Duration
}

// Cache runs operations at most once per fingerprint for the life of its
// directory. It is safe for concurrent use.
type Cache struct {
	dir     string
	fp      Fingerprinter
	timeout time.Duration
	index   *Index
	group   singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is the context of one shared run. It is cancelled once every
// caller waiting on it has gone.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Open prepares the cache directory and its index.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache directory must not be empty")
	}
	policy := opts.Policy
	if policy == "" {
		policy = PolicyContent
	}
	if policy != PolicyContent && policy != PolicyStat {
		return nil, fmt.Errorf("unknown fingerprint policy %q", policy)
	}

	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(dir, scratchDir), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	index, err := OpenIndex(ctx, filepath.Join(dir, indexName))
	if err != nil {
		return nil, err
	}

	ctxlog.FromContext(ctx).Debug("Cache opened.", "dir", dir, "policy", policy, "task_timeout", opts.TaskTimeout)
	return &Cache{
		dir:     dir,
		fp:      Fingerprinter{Policy: policy},
		timeout: opts.TaskTimeout,
		index:   index,
		flights: make(map[string]*flight),
	}, nil
}

// Dir returns the absolute cache directory.
func (c *Cache) Dir() string { return c.dir }

// Close releases the index.
func (c *Cache) Close() error {
	return c.index.Close()
}

// Fingerprint validates in and returns its key for op.
func (c *Cache) Fingerprint(op Operation, in Inputs) (string, error) {
	d := op.Descriptor()
	if err := d.Validate(in); err != nil {
		return "", err
	}
	return c.fp.Fingerprint(d, in)
}

// Do returns the artifacts of running op with in, running it only when no
// entry exists for the fingerprint. Concurrent calls with the same
// fingerprint in this process share one run.
func (c *Cache) Do(ctx context.Context, op Operation, in Inputs) (Result, error) {
	d := op.Descriptor()
	fp, err := c.Fingerprint(op, in)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		f := c.join(ctx, fp)
		ch := c.group.DoChan(fp, func() (any, error) {
			return c.resolve(f.ctx, op, d, in, fp)
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			c.leave(fp, f)
			return nil, fmt.Errorf("%s: %w", d.Name, ctx.Err())
		case r = <-ch:
		}
		c.leave(fp, f)

		// A run abandoned by every earlier caller can still hand its
		// cancellation to a caller that joined late.
		if r.Err != nil && errors.Is(r.Err, context.Canceled) && ctx.Err() == nil && attempt == 0 {
			continue
		}
		if r.Err != nil {
			return nil, r.Err
		}
		// Hand every caller its own map.
		res := make(Result)
		for k, p := range r.Val.(Result) {
			res[k] = p
		}
		return res, nil
	}
}

func (c *Cache) join(ctx context.Context, fp string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[fp]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[fp] = f
	}
	f.waiters++
	return f
}

func (c *Cache) leave(fp string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[fp] == f {
		delete(c.flights, fp)
	}
}

func (c *Cache) resolve(ctx context.Context, op Operation, d Descriptor, in Inputs, fp string) (Result, error) {
	logger := ctxlog.FromContext(ctx).With("operation", d.Name, "fingerprint", fp[:12])

	res, ok, err := lookup(c.dir, fp)
	if err != nil {
		logger.Warn("Cache entry is damaged, recomputing it.", "error", err)
	}
	if ok {
		logger.Debug("Cache hit.")
		if err := c.index.Touch(ctx, fp, time.Now()); err != nil {
			logger.Warn("Cache index update failed.", "error", err)
		}
		return res, nil
	}

	scratch, err := os.MkdirTemp(filepath.Join(c.dir, scratchDir), d.Name+"-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.RemoveAll(scratch)
		}
	}()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	logger.Info("▶️ Running operation.")
	start := time.Now()
	runErr := op.Run(runCtx, NewCall(d, in, scratch))
	elapsed := time.Since(start)

	if runErr == nil && c.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = runCtx.Err()
	}
	if runErr != nil {
		if c.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			runErr = fmt.Errorf("%s: %w after %s: %w", d.Name, ErrTimeout, c.timeout, runErr)
		} else {
			runErr = fmt.Errorf("%s: %w", d.Name, runErr)
		}
		logger.Error("🔥 Operation failed, nothing cached.", "elapsed", elapsed, "error", runErr)
		return nil, runErr
	}

	for _, o := range d.Outputs {
		if _, err := os.Stat(filepath.Join(scratch, o.File)); err != nil {
			return nil, fmt.Errorf("%s: %w: %s", d.Name, ErrMissingOutput, o.Name)
		}
	}

	m := manifest{
		Fingerprint: fp,
		Operation:   d.Name,
		Version:     d.Version,
		Outputs:     d.outputFiles(),
		CreatedAt:   time.Now().UTC(),
		DurationMS:  elapsed.Milliseconds(),
	}
	res, err = publish(c.dir, scratch, m)
	if err != nil {
		return nil, err
	}
	keep = true

	if err := c.index.Record(ctx, m, dirSize(entryDir(c.dir, fp))); err != nil {
		logger.Warn("Cache index update failed.", "error", err)
	}
	logger.Info("✅ Operation finished and cached.", "elapsed", elapsed)
	return res, nil
}

// Stats returns per-operation aggregates from the index.
func (c *Cache) Stats(ctx context.Context) ([]OperationStats, error) {
	return c.index.Stats(ctx)
}

// Clear removes every entry, leftover scratch directory and index row. The
// next run recomputes everything.
func (c *Cache) Clear(ctx context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read cache directory: %w", err)
	}
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() {
			continue
		}
		if name == scratchDir {
			scratch, err := os.ReadDir(filepath.Join(c.dir, scratchDir))
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, s := range scratch {
				errs = append(errs, os.RemoveAll(filepath.Join(c.dir, scratchDir, s.Name())))
			}
			continue
		}
		if len(name) == 2 {
			errs = append(errs, os.RemoveAll(filepath.Join(c.dir, name)))
		}
	}
	errs = append(errs, c.index.Reset(ctx))
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	ctxlog.FromContext(ctx).Info("Cache cleared.", "dir", c.dir)
	return nil
}

// Clear opens the cache at dir, removes all of its entries and closes it.
func Clear(ctx context.Context, dir string) error {
	c, err := Open(ctx, Options{Dir: dir})
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Clear(ctx)
}
