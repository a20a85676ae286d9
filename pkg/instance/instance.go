// Package instance keeps two mutexd processes from serving with the same
// lock file, using an advisory flock held for the life of the process.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pixperk/mutexd/pkg/types"
)

// Guard is held by the running instance until Release.
type Guard struct {
	path  string
	flock *flock.Flock
}

// Acquire takes the lock file at path and records the current PID in it.
// If another process holds it the error wraps types.ErrAlreadyRunning.
func Acquire(path string) (*Guard, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("instance: try lock %s: %w", path, err)
	}
	if !locked {
		fl.Close()
		if pid, ok := readPID(path); ok {
			return nil, fmt.Errorf("%w (pid %d, lock file %s)", types.ErrAlreadyRunning, pid, path)
		}
		return nil, fmt.Errorf("%w (lock file %s)", types.ErrAlreadyRunning, path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return &Guard{path: path, flock: fl}, nil
}

func (g *Guard) Path() string { return g.path }

// Release removes the lock file and drops the lock. Safe to call twice.
func (g *Guard) Release() error {
	if g == nil || !g.flock.Locked() {
		return nil
	}
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		g.flock.Unlock()
		return fmt.Errorf("remove lock file: %w", err)
	}
	return g.flock.Unlock()
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
