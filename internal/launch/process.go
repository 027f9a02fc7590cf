package launch

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Stdio is the set of streams handed to the server process.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Process is a running server invocation.
type Process struct {
	Inv       Invocation
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}

	mu    sync.Mutex
	state *os.ProcessState
	err   error
}

// Start launches inv in the foreground of the given streams. The process is
// placed in its own process group where the OS supports it so that signals
// can be delivered to it and any workers it spawns. When stdin is a terminal
// the group is given the terminal until the process exits.
func Start(inv Invocation, stdio Stdio) (*Process, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	cmd.Stdin = stdio.Stdin
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	tty := setProcAttr(cmd, stdio.Stdin)

	if err := cmd.Start(); err != nil {
		reclaimTerminal(tty)
		return nil, fmt.Errorf("start %s: %w", inv.Path, err)
	}
	p := &Process{Inv: inv, StartedAt: time.Now(), cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		reclaimTerminal(tty)
		p.mu.Lock()
		p.state = cmd.ProcessState
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// PID returns the process ID.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitCode blocks until the process exits and returns its exit status.
// Processes killed by a signal report 128 plus the signal number.
func (p *Process) ExitCode() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return 1
	}
	return exitCode(p.state)
}

// Signal delivers sig to the process group.
func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return nil
	}
	return signalGroup(p.cmd.Process, sig)
}

// Kill forcibly terminates the process group.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	return killGroup(p.cmd.Process)
}

// Stop asks the process to terminate and kills it when it has not exited
// after grace. It returns the exit status.
func (p *Process) Stop(grace time.Duration) int {
	if err := p.Signal(terminateSignal); err != nil {
		_ = p.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		_ = p.Kill()
	}
	return p.ExitCode()
}
