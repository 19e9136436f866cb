package repocache

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// RepoLock is an exclusive, advisory file lock guarding a single cache mirror.
// It never blocks: callers that cannot get the lock are expected to work without the mirror.
type RepoLock struct {
	path string

	mu   sync.Mutex
	fl   *flock.Flock
	held bool
}

// NewRepoLock creates a lock backed by the file at path
func NewRepoLock(path string) *RepoLock {
	return &RepoLock{path: path}
}

// Path returns the lock file location
func (l *RepoLock) Path() string {
	return l.path
}

// TryLock attempts to acquire the lock without waiting.
// It returns false if another holder, in this or any other process, has it.
func (l *RepoLock) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		return false, xerrors.Errorf("lock %s is already held by this instance", l.path)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, xerrors.Errorf("cannot create lock directory: %w", err)
	}

	fl := flock.New(l.path)
	ok, err := fl.TryLock()
	if err != nil {
		_ = fl.Close()
		return false, xerrors.Errorf("cannot lock %s: %w", l.path, err)
	}
	if !ok {
		_ = fl.Close()
		log.WithField("lock", l.path).Debug("lock is held elsewhere")
		return false, nil
	}

	l.fl = fl
	l.held = true
	return true, nil
}

// Held reports whether this instance currently holds the lock
func (l *RepoLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Unlock releases the lock. Releasing a lock that is not held is a no-op.
func (l *RepoLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	err := l.fl.Unlock()
	if cerr := l.fl.Close(); err == nil {
		err = cerr
	}
	l.fl = nil
	if err != nil {
		return xerrors.Errorf("cannot release lock %s: %w", l.path, err)
	}
	return nil
}
