//go:build !windows

package cmd

import (
	"errors"
	"os"
	"syscall"
	"time"
)

// shutdownSignals are the signals start treats as a stop request.
func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// findRunning returns the process for pid if it is still running.
func findRunning(pid int) (*os.Process, bool) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, false
	}
	// Signal 0 checks the pid without delivering; EPERM still means it exists.
	if err := proc.Signal(syscall.Signal(0)); err != nil && !errors.Is(err, syscall.EPERM) {
		return nil, false
	}
	return proc, true
}

// requestStop asks the gateway to drain and exit.
func requestStop(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}

// waitExit polls until pid is gone or timeout elapses.
func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := findRunning(pid); !ok {
			return true
		}
		time.Sleep(stopPollInterval)
	}
	_, ok := findRunning(pid)
	return !ok
}
