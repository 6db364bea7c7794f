package dap

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
)

// Process is a running debug adapter.
type Process interface {
	Pid() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// ExitStatus reports the exit code (nil when killed by a signal) and the
	// signal name. Only meaningful after Done is closed.
	ExitStatus() (code *int, signal string)
	// Terminate asks the process group to exit, then kills it if it is still
	// running after grace.
	Terminate(grace time.Duration) error
}

// Launcher starts adapter processes.
type Launcher interface {
	Launch(ctx context.Context, cmd ipc.AdapterCommand) (Process, error)
}

// ExecLauncher runs adapters as child processes in their own process group.
// Adapter output is forwarded to the logger line by line.
type ExecLauncher struct {
	Log logr.Logger
	// Dir is the working directory; empty means the current one.
	Dir string
}

// Launch spawns the adapter command.
func (l *ExecLauncher) Launch(_ context.Context, spec ipc.AdapterCommand) (Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	// The adapter must outlive the launching request, so it is not bound to ctx.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = l.Dir
	cmd.Stdin = nil
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.AdapterSpawnFailed(spec.Command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.AdapterSpawnFailed(spec.Command, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.AdapterSpawnFailed(spec.Command, err)
	}

	log := l.Log.WithValues("adapter", spec.Command, "pid", cmd.Process.Pid)
	log.Info("Adapter spawned", "args", spec.Args)

	p := &execProcess{cmd: cmd, log: log, done: make(chan struct{})}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go p.forward(&pipes, stdout, "stdout")
	go p.forward(&pipes, stderr, "stderr")
	go p.wait(&pipes)

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	log  logr.Logger
	done chan struct{}

	mu     sync.Mutex
	code   *int
	signal string
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitStatus() (*int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.signal
}

func (p *execProcess) forward(wg *sync.WaitGroup, r io.Reader, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.log.V(1).Info(scanner.Text(), "stream", stream)
	}
}

func (p *execProcess) wait(pipes *sync.WaitGroup) {
	// Pipes must be drained before Wait closes them.
	pipes.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.code, p.signal = ExitStatusOf(p.cmd.ProcessState)
	code, signal := p.code, p.signal
	p.mu.Unlock()

	if code != nil {
		p.log.Info("Adapter exited", "code", *code, "waitErr", err)
	} else {
		p.log.Info("Adapter exited", "signal", signal)
	}
	close(p.done)
}

// ExitStatusOf splits a finished process state into an exit code, or the
// name of the signal that killed it.
func ExitStatusOf(state *os.ProcessState) (*int, string) {
	if state == nil {
		return nil, ""
	}
	if signal := exitSignal(state); signal != "" {
		return nil, signal
	}
	code := state.ExitCode()
	return &code, ""
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := signalGroup(p.Pid(), false); err != nil {
		p.log.Error(err, "Failed to signal adapter process group")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	p.log.Info("Adapter did not exit in time, killing", "grace", grace)
	if err := signalGroup(p.Pid(), true); err != nil {
		return err
	}
	timer.Reset(grace)
	select {
	case <-p.done:
	case <-timer.C:
		p.log.Info("Adapter still running after kill")
	}
	return nil
}
