package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay is how often a blocked file lock is retried.
const lockRetryDelay = 50 * time.Millisecond

// Locker is the advisory per-project lock held for the whole of a run.
// Within a process it serializes on a per-project semaphore; with a lock
// directory it also takes "<dir>/<project>.lock" so separate processes
// serialize as well.
type Locker struct {
	dir string

	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocker creates a Locker. An empty dir disables the file lock.
func NewLocker(dir string) *Locker {
	return &Locker{dir: dir, slots: make(map[string]chan struct{})}
}

func (l *Locker) slot(project string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[project]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[project] = s
	}
	return s
}

// Lock blocks until project is free or ctx ends. The returned function
// releases the lock.
func (l *Locker) Lock(ctx context.Context, project string) (func(), error) {
	slot := l.slot(project)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-slot }

	if l.dir == "" {
		return release, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		release()
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	fl := flock.New(filepath.Join(l.dir, lockFileName(project)))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		release()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock project %s: %w", project, err)
	}
	return func() {
		_ = fl.Unlock()
		release()
	}, nil
}

// lockFileName keeps project names from escaping the lock directory.
func lockFileName(project string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(project) + ".lock"
}
