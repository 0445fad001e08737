package store

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// WritePIDFile records the calling process's pid so the watchdog can
// target the engine for termination.
func WritePIDFile(path string) error {
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("writing pid file %s: %w", path, err)
	}
	return nil
}

// RemovePIDFile deletes the pid file on clean shutdown. A missing file
// is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file %s: %w", path, err)
	}
	return nil
}

// ReadPID returns the pid recorded in the file, or 0 when the file is
// absent or holds garbage.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from config
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading pid file %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, nil
	}
	return pid, nil
}

// ProcessAlive reports whether a process with the given pid exists.
// Signal 0 performs the existence check without delivering anything.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
