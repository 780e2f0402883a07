// Package cleanup purges stale uploaded audio on a cron schedule.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor deletes regular files in a directory once they are older than a
// maximum age.
type Janitor struct {
	dir    string
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Janitor
type Option func(*Janitor)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New creates a janitor for dir
func New(dir string, maxAge time.Duration, opts ...Option) *Janitor {
	j := &Janitor{dir: dir, maxAge: maxAge, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs Purge on schedule, a standard cron expression or a descriptor
// such as "@every 1h". It returns an error for an invalid schedule.
func (j *Janitor) Start(schedule string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return errors.New("cleanup already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, j.run); err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	c.Start()
	j.cron = c
	log.Printf("[cleanup] purging %s every %q, max age %s", j.dir, schedule, j.maxAge)
	return nil
}

// Stop halts the schedule and waits for a running purge to finish or for
// ctx to end.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (j *Janitor) run() {
	n, err := j.Purge()
	if err != nil {
		log.Printf("[cleanup] purge failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[cleanup] removed %d stale uploads", n)
	}
}

// Purge removes files older than the maximum age and returns how many were
// removed. Subdirectories are left alone. A missing directory is not an
// error.
func (j *Janitor) Purge() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read upload directory: %w", err)
	}

	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
