package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePermissions: owner rw, group/other r.
const pidFilePermissions = 0o644

// pidDirPermissions matches the data directory.
const pidDirPermissions = 0o700

// errNoKeepalive means no live keepalive holds the provider's PID file.
var errNoKeepalive = errors.New("no running keepalive")

// keepaliveRunningError is returned when another process already keeps the
// provider's token alive.
type keepaliveRunningError struct {
	Provider string
	PID      int
}

func (e *keepaliveRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("keepalive for %s is already running (PID %d)", e.Provider, e.PID)
	}

	return fmt.Sprintf("keepalive for %s is already running", e.Provider)
}

// keepaliveLock makes a keepalive the only one for its provider: it holds an
// exclusive flock on a file containing its PID.
type keepaliveLock struct {
	provider string
	path     string
	f        *os.File
}

// acquireKeepalive takes the keepalive lock for provider at path and records
// the current PID in it.
func acquireKeepalive(provider, path string) (*keepaliveLock, error) {
	if path == "" {
		return nil, fmt.Errorf("%s: PID file path is empty: cannot determine data directory", provider)
	}

	if err := os.MkdirAll(filepath.Dir(path), pidDirPermissions); err != nil {
		return nil, fmt.Errorf("creating PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, pidFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("opening PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		holder, _ := readPIDFile(path)

		return nil, &keepaliveRunningError{Provider: provider, PID: holder}
	}

	lock := &keepaliveLock{provider: provider, path: path, f: f}

	if err := lock.writePID(); err != nil {
		lock.Release()

		return nil, err
	}

	return lock, nil
}

func (l *keepaliveLock) writePID() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating PID file: %w", err)
	}

	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}

	// Readers (status, refresh) must see the PID at once.
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing PID file: %w", err)
	}

	return nil
}

// Release removes the PID file and drops the lock.
func (l *keepaliveLock) Release() {
	os.Remove(l.path)
	l.f.Close()
}

// readPIDFile reads the PID from the given file path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}

// keepaliveRunning reports the PID of a live keepalive process. A PID file
// whose process is gone reports false.
func keepaliveRunning(pidPath string) (int, bool) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return 0, false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}

	// Signal 0 probes liveness.
	if err := proc.Signal(syscall.Signal(0)); err != nil && !errors.Is(err, os.ErrPermission) {
		return 0, false
	}

	return pid, true
}

// signalKeepalive asks the provider's keepalive to refresh now and returns
// its PID. A stale PID file is removed and reported as errNoKeepalive.
func signalKeepalive(provider, pidPath string) (int, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%s: %w", provider, errNoKeepalive)
		}

		return 0, err
	}

	if _, ok := keepaliveRunning(pidPath); !ok {
		os.Remove(pidPath)

		return 0, fmt.Errorf("%s: %w (PID %d gone, stale PID file removed)", provider, errNoKeepalive, pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("finding process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, fmt.Errorf("sending SIGHUP to %s keepalive (PID %d): %w", provider, pid, err)
	}

	return pid, nil
}
