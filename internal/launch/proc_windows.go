//go:build windows

package launch

import (
	"io"
	"os"
	"os/exec"
)

// Windows has no SIGTERM; the server is killed outright.
var terminateSignal os.Signal = os.Kill

func setProcAttr(cmd *exec.Cmd, stdin io.Reader) int { return -1 }

func reclaimTerminal(tty int) {}

func signalGroup(p *os.Process, sig os.Signal) error {
	if sig == os.Interrupt {
		return p.Kill()
	}
	return p.Signal(sig)
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func exitCode(st *os.ProcessState) int {
	return st.ExitCode()
}
