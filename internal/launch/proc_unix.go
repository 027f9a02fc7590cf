//go:build !windows

package launch

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	cblog "github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

var terminateSignal os.Signal = syscall.SIGTERM

// setProcAttr places the server in its own process group. When stdin is the
// controlling terminal that group also becomes the terminal's foreground
// group, so the server can read from it and receives Ctrl-C directly. It
// returns the terminal descriptor or -1.
func setProcAttr(cmd *exec.Cmd, stdin io.Reader) int {
	attr := &syscall.SysProcAttr{Setpgid: true}
	tty := terminalFd(stdin)
	if tty >= 0 {
		attr.Foreground = true
		attr.Ctty = tty
	}
	cmd.SysProcAttr = attr
	return tty
}

func terminalFd(r io.Reader) int {
	f, ok := r.(*os.File)
	if !ok || f == nil {
		return -1
	}
	fd := f.Fd()
	if !isatty.IsTerminal(fd) {
		return -1
	}
	return int(fd)
}

// reclaimTerminal makes the launcher's process group the foreground group of
// tty again after the server exits.
func reclaimTerminal(tty int) {
	if tty < 0 {
		return
	}
	// tcsetpgrp from a background group raises SIGTTOU unless it is ignored.
	signal.Ignore(syscall.SIGTTOU)
	defer signal.Reset(syscall.SIGTTOU)
	if err := unix.IoctlSetPointerInt(tty, unix.TIOCSPGRP, unix.Getpgrp()); err != nil {
		cblog.Warnf("reclaim terminal: %v", err)
	}
}

func signalGroup(p *os.Process, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.Signal(sig)
	}
	err := syscall.Kill(-p.Pid, s)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func killGroup(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func exitCode(st *os.ProcessState) int {
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return st.ExitCode()
}
