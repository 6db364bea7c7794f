package manager

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// stderrTailLines is how much worker stderr is kept for error reports.
const stderrTailLines = 20

// SpawnSpec identifies the worker to start.
type SpawnSpec struct {
	SessionID string
	Language  types.Language
	LogDir    string
}

// WorkerProcess is a running worker. Commands go to Stdin, messages come from
// Stdout, one JSON object per line.
type WorkerProcess interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	ExitStatus() (code *int, signal string)
	Kill() error
	// StderrTail returns the last lines the worker wrote to stderr.
	StderrTail() []string
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec SpawnSpec) (WorkerProcess, error)
}

// ExecSpawner runs the worker binary.
type ExecSpawner struct {
	Path string
	// Args are passed before the per-session flags.
	Args []string
	// Env entries (KEY=VALUE) are added to the host environment.
	Env []string
	Log logr.Logger
}

func (s *ExecSpawner) Spawn(_ context.Context, spec SpawnSpec) (WorkerProcess, error) {
	args := slices.Clone(s.Args)
	args = append(args, "--session-id", spec.SessionID)
	if spec.Language != "" {
		args = append(args, "--language", string(spec.Language))
	}
	if spec.LogDir != "" {
		args = append(args, "--log-dir", spec.LogDir)
	}

	// The worker lives as long as its session, not as long as ctx.
	cmd := exec.Command(s.Path, args...)
	cmd.Env = append(os.Environ(), s.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.ProxyStartFailed(s.Path, err)
	}
	// Plain pipes: Wait must not close the read ends while messages are
	// still being consumed.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.ProxyStartFailed(s.Path, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, errors.ProxyStartFailed(s.Path, err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, errors.ProxyStartFailed(s.Path, err)
	}
	stdoutW.Close()
	stderrW.Close()

	log := s.Log.WithValues("sessionId", spec.SessionID, "pid", cmd.Process.Pid)
	log.Info("Worker spawned", "path", s.Path)

	p := &execWorker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		log:    log,
		done:   make(chan struct{}),
	}
	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go p.captureStderr(&stderrDone, stderrR)
	go p.wait(&stderrDone)
	return p, nil
}

type execWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	log    logr.Logger
	done   chan struct{}

	mu     sync.Mutex
	code   *int
	signal string
	tail   []string
}

func (p *execWorker) Pid() int              { return p.cmd.Process.Pid }
func (p *execWorker) Stdin() io.WriteCloser { return p.stdin }
func (p *execWorker) Stdout() io.Reader     { return p.stdout }
func (p *execWorker) Done() <-chan struct{} { return p.done }

func (p *execWorker) ExitStatus() (*int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.signal
}

func (p *execWorker) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}

func (p *execWorker) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.tail)
}

// captureStderr relays worker logs and keeps the most recent lines.
func (p *execWorker) captureStderr(wg *sync.WaitGroup, r io.ReadCloser) {
	defer wg.Done()
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.log.V(1).Info(line, "stream", "stderr")
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
}

func (p *execWorker) wait(stderr *sync.WaitGroup) {
	err := p.cmd.Wait()
	stderr.Wait()

	code, signal := dapx.ExitStatusOf(p.cmd.ProcessState)
	p.mu.Lock()
	p.code, p.signal = code, signal
	p.mu.Unlock()

	p.log.Info("Worker exited", "code", code, "signal", signal, "waitErr", err)
	close(p.done)
}
