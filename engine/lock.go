package engine

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/loomnotes/loom/errors"
)

// CycleLock admits at most one reconciliation cycle at a time. A caller that
// finds the lock held exits without queueing; the running cycle's own settle
// already covers whatever the second trigger wanted.
type CycleLock interface {
	TryAcquire() (bool, error)
	Release() error
}

// FlagLock is the in-process lock for a single long-lived daemon.
type FlagLock struct {
	held atomic.Bool
}

// NewFlagLock creates an in-process cycle lock.
func NewFlagLock() *FlagLock {
	return &FlagLock{}
}

// TryAcquire takes the lock if it is free.
func (l *FlagLock) TryAcquire() (bool, error) {
	return l.held.CompareAndSwap(false, true), nil
}

// Release frees the lock.
func (l *FlagLock) Release() error {
	l.held.Store(false)
	return nil
}

// FileLock is an advisory lock file shared between short-lived invocations
// (a cron-driven `loom sync` racing a daemon). A lock older than staleAfter
// is treated as abandoned by a crashed process and taken over; staleAfter
// should be at least the cycle deadline.
type FileLock struct {
	path       string
	staleAfter time.Duration
}

// NewFileLock creates a file-based cycle lock.
func NewFileLock(path string, staleAfter time.Duration) *FileLock {
	return &FileLock{path: path, staleAfter: staleAfter}
}

// TryAcquire atomically creates the lock file, reclaiming it first when the
// current holder's file has gone stale.
func (l *FileLock) TryAcquire() (bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			return true, f.Close()
		}
		if !os.IsExist(err) {
			return false, errors.Wrapf(err, "failed to create lock file %s", l.path)
		}

		info, statErr := os.Stat(l.path)
		if statErr != nil {
			// Holder released between our open and stat; retry.
			continue
		}
		if time.Since(info.ModTime()) < l.staleAfter {
			return false, nil
		}
		// Stale holder: remove and retry the exclusive create.
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return false, errors.Wrapf(rmErr, "failed to reclaim stale lock %s", l.path)
		}
	}
	return false, nil
}

// Release removes the lock file.
func (l *FileLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to release lock file %s", l.path)
	}
	return nil
}
