package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	storeLockName    = "store.lock"
	indexLockName    = "index.lock"
	lockPollInterval = 50 * time.Millisecond
)

// keyedMutex hands out one in-process mutex per key. The file lock taken
// alongside it only coordinates separate processes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	release := func() {
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}

	acquired := make(chan struct{})
	go func() {
		entry.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return func() {
			entry.mu.Unlock()
			release()
		}, nil
	case <-ctx.Done():
		go func() {
			<-acquired
			entry.mu.Unlock()
			release()
		}()
		return nil, ctx.Err()
	}
}

// fileLock wraps a flock lock file with context-aware polling.
type fileLock struct {
	flock *flock.Flock
	mode  string
}

func newFileLock(dir, name string) *fileLock {
	return &fileLock{flock: flock.New(filepath.Join(dir, name))}
}

func (l *fileLock) acquire(ctx context.Context, exclusive bool) error {
	mode := "shared"
	try := l.flock.TryRLockContext
	if exclusive {
		mode = "exclusive"
		try = l.flock.TryLockContext
	}
	locked, err := try(ctx, lockPollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("acquire %s lock %s: %w", mode, filepath.Base(l.flock.Path()), err)
	}
	if !locked {
		return fmt.Errorf("acquire %s lock %s: not acquired", mode, filepath.Base(l.flock.Path()))
	}
	l.mode = mode
	return nil
}

func (l *fileLock) release() {
	_ = l.flock.Unlock()
}

func lockFileName(key string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	return r.Replace(key) + ".lock"
}

// Lock serializes work on key across goroutines and processes sharing this
// store. The returned function releases both locks.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := s.keys.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	fl := newFileLock(s.layout.LocksDir, lockFileName(key))
	if err := fl.acquire(ctx, true); err != nil {
		unlockLocal()
		return nil, err
	}
	return func() {
		fl.release()
		unlockLocal()
	}, nil
}

type sharedHoldKey struct{}

// Shared runs fn holding the store-wide lock in shared mode. Place, Link and
// Unlink called with the context passed to fn reuse that hold, so GC cannot
// run between them.
func (s *Store) Shared(ctx context.Context, fn func(ctx context.Context) error) error {
	if held, _ := ctx.Value(sharedHoldKey{}).(*Store); held == s {
		return fn(ctx)
	}
	fl := newFileLock(s.layout.LocksDir, storeLockName)
	if err := fl.acquire(ctx, false); err != nil {
		return err
	}
	defer fl.release()
	return fn(context.WithValue(ctx, sharedHoldKey{}, s))
}

// withStoreLock runs fn holding the store-wide lock. Place, Link and Unlink
// share it; GC takes it exclusively.
func (s *Store) withStoreLock(ctx context.Context, exclusive bool, fn func() error) error {
	if held, _ := ctx.Value(sharedHoldKey{}).(*Store); held == s {
		if exclusive {
			return errors.New("store lock already held in shared mode")
		}
		return fn()
	}
	fl := newFileLock(s.layout.LocksDir, storeLockName)
	if err := fl.acquire(ctx, exclusive); err != nil {
		return err
	}
	defer fl.release()
	return fn()
}

// withIndexLock guards the read-modify-write of index.json.
func (s *Store) withIndexLock(ctx context.Context, fn func() error) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	fl := newFileLock(s.layout.LocksDir, indexLockName)
	if err := fl.acquire(ctx, true); err != nil {
		return err
	}
	defer fl.release()
	return fn()
}
