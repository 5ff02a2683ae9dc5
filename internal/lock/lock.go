// Package lock keeps two processes from streaming under the same credentials.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ConflictError is returned by Acquire when another process holds the lock
type ConflictError struct {
	Path string
	PID  int // 0 when the holder's pid could not be read
}

func (e *ConflictError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("feed lock %s is held by pid %d", e.Path, e.PID)
	}
	return fmt.Sprintf("feed lock %s is held by another process", e.Path)
}

// SingletonLock is an advisory exclusive lock on a file derived from the credentials
type SingletonLock struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
}

// Path derives the lock file for a credential pair without revealing either
func Path(dir, clientID, token string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha256.Sum256([]byte(clientID + ":" + token))
	return filepath.Join(dir, "market-feed-"+hex.EncodeToString(sum[:])[:16]+".lock")
}

func New(dir, clientID, token string, logger *zap.Logger) *SingletonLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SingletonLock{path: Path(dir, clientID, token), logger: logger}
}

func (l *SingletonLock) Path() string { return l.path }

// maxAttempts bounds how often Acquire retries after the lock file was
// replaced between its open and its flock
const maxAttempts = 5

var errReplaced = errors.New("lock file was replaced")

// Acquire takes the lock without blocking and records this process id in it
func (l *SingletonLock) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("open lock file: %w", err)
		}

		if err := l.lockOpened(f); err != nil {
			f.Close()
			if errors.Is(err, errReplaced) {
				l.logger.Debug("Lock file replaced while locking, retrying", zap.String("path", l.path))
				continue
			}
			return err
		}

		if err := writePID(f); err != nil {
			unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
			return fmt.Errorf("write pid to lock file: %w", err)
		}

		l.file = f
		l.logger.Info("Acquired feed lock", zap.String("path", l.path), zap.Int("pid", os.Getpid()))
		return nil
	}
	return fmt.Errorf("lock %s: %w after %d attempts", l.path, errReplaced, maxAttempts)
}

// lockOpened flocks f and checks that f is still the file at l.path. A
// holder unlinks the path on Release, so a lock won on an unlinked inode
// excludes nobody and is given back.
func (l *SingletonLock) lockOpened(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ConflictError{Path: l.path, PID: readPID(f)}
		}
		return fmt.Errorf("lock %s: %w", l.path, err)
	}

	held, err := f.Stat()
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return fmt.Errorf("stat lock file: %w", err)
	}
	current, err := os.Stat(l.path)
	if err != nil || !os.SameFile(held, current) {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		return errReplaced
	}
	return nil
}

// Release unlocks and removes the lock file. A file already gone is not an error.
func (l *SingletonLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	// unlink before unlocking; an opener of the old inode fails the SameFile check in lockOpened
	removeErr := os.Remove(l.path)
	if errors.Is(removeErr, os.ErrNotExist) {
		removeErr = nil
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	closeErr := f.Close()

	if removeErr != nil {
		return fmt.Errorf("remove lock file: %w", removeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close lock file: %w", closeErr)
	}
	l.logger.Info("Released feed lock", zap.String("path", l.path))
	return nil
}

// pidWidth is the fixed size of the pid record. Every holder writes the
// whole record in one WriteAt, so a reader sees either the old or the new pid.
const pidWidth = 20

func writePID(f *os.File) error {
	record := fmt.Sprintf("%-*d\n", pidWidth-1, os.Getpid())
	if _, err := f.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	if err := f.Truncate(pidWidth); err != nil {
		return err
	}
	return f.Sync()
}

func readPID(f *os.File) int {
	buf := make([]byte, pidWidth)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
