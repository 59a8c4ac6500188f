//go:build windows

package procsup

import (
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

// Windows has no SIGTERM for console-less children; both steps kill.
func terminate(p *os.Process) error { return kill(p) }

func kill(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}

// The exit watcher is authoritative on Windows.
func osAlive(pid int) bool { return pid > 0 }
