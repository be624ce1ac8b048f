//go:build windows

package cmd

import (
	"os"
	"time"

	"golang.org/x/sys/windows"
)

// stillActive is the exit code GetExitCodeProcess reports for a live process.
const stillActive = 259

// shutdownSignals are the signals start treats as a stop request. Only
// CTRL_C_EVENT is reliably delivered on Windows.
func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// findRunning returns the process for pid if it is still running.
func findRunning(pid int) (*os.Process, bool) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return nil, false
	}
	defer windows.CloseHandle(handle)

	var code uint32
	if err := windows.GetExitCodeProcess(handle, &code); err != nil || code != stillActive {
		return nil, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, false
	}
	return proc, true
}

// requestStop terminates the gateway. Windows has no SIGTERM to send to a
// detached console process.
func requestStop(proc *os.Process) error {
	return proc.Kill()
}

// waitExit blocks on the process handle until it exits or timeout elapses.
func waitExit(pid int, timeout time.Duration) bool {
	handle, err := windows.OpenProcess(windows.SYNCHRONIZE, false, uint32(pid))
	if err != nil {
		// Already gone.
		return true
	}
	defer windows.CloseHandle(handle)

	event, err := windows.WaitForSingleObject(handle, uint32(timeout.Milliseconds()))
	return err == nil && event == windows.WAIT_OBJECT_0
}
