package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// CommandLauncher launches the serving process as a child command.
// The child's stdin is backed by a pipe whose write end stays open for
// the child's whole lifetime, so a stdio-transport server never sees
// EOF until Terminate closes it. Without this the child would inherit
// /dev/null and a stdio server would exit immediately after launch.
type CommandLauncher struct {
	path   string
	args   []string
	dir    string
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// NewCommandLauncher creates a launcher for the given executable and
// arguments. stdin, when non-nil, is forwarded into the child's stdin
// pipe; stdout and stderr receive the child's streams, nil discards.
func NewCommandLauncher(path string, args []string, dir string, stdin io.Reader, stdout, stderr io.Writer) *CommandLauncher {
	return &CommandLauncher{path: path, args: args, dir: dir, stdin: stdin, stdout: stdout, stderr: stderr}
}

// Launch starts the child. The command is deliberately not tied to
// the supervisor's context: cancellation must go through Terminate so
// the child gets its termination grace.
func (l *CommandLauncher) Launch(_ context.Context) (Process, error) {
	cmd := exec.Command(l.path, l.args...)
	cmd.Dir = l.dir
	if l.stdout != nil {
		cmd.Stdout = l.stdout
	}
	if l.stderr != nil {
		cmd.Stderr = l.stderr
	}

	stdinRead, stdinWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	cmd.Stdin = stdinRead

	if err := cmd.Start(); err != nil {
		stdinRead.Close()
		stdinWrite.Close()
		return nil, fmt.Errorf("start %s: %w", l.path, err)
	}
	// The child holds its own copy of the read end now.
	stdinRead.Close()

	if l.stdin != nil {
		// Forward the caller's stdin to the child. EOF on the source
		// leaves the pipe's write end open, so the child keeps running.
		go io.Copy(stdinWrite, l.stdin)
	}

	p := &osProcess{cmd: cmd, stdin: stdinWrite, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		stdinWrite.Close()
		close(p.done)
	}()
	return p, nil
}

type osProcess struct {
	cmd   *exec.Cmd
	stdin *os.File
	done  chan struct{}
	err   error
	once  sync.Once
}

func (p *osProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate closes the child's stdin pipe, sends SIGTERM, waits out
// the grace period, then SIGKILLs whatever is left.
func (p *osProcess) Terminate(grace time.Duration) error {
	if !p.Alive() {
		return nil
	}
	var err error
	p.once.Do(func() {
		p.stdin.Close()
		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			err = sigErr
			return
		}
		select {
		case <-p.done:
		case <-time.After(grace):
			err = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return err
}
