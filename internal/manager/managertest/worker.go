// Package managertest provides an in-memory worker process that speaks the
// IPC protocol, for testing code built on the manager package.
package managertest

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/ctagard/dap-proxy/internal/ipc"
)

// Handler answers one command received by a Worker.
type Handler func(w *Worker, cmd ipc.Command)

// Worker is a fake worker process connected through in-memory pipes. It
// satisfies manager.WorkerProcess.
type Worker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	out     *ipc.Encoder
	handle  Handler

	// StderrLines is returned by StderrTail.
	StderrLines []string

	mu       sync.Mutex
	commands []ipc.Command
	code     *int
	signal   string
	killed   bool
	done     chan struct{}
	once     sync.Once
}

// NewWorker starts a fake worker. handle may be nil.
func NewWorker(handle Handler) *Worker {
	w := &Worker{handle: handle, done: make(chan struct{})}
	w.stdinR, w.stdinW = io.Pipe()
	w.stdoutR, w.stdoutW = io.Pipe()
	w.out = ipc.NewEncoder(w.stdoutW)
	go w.serve()
	return w
}

func (w *Worker) serve() {
	dec := ipc.NewDecoder(w.stdinR)
	for {
		line, err := dec.Next()
		if err != nil {
			return
		}
		cmd, err := ipc.ParseCommand(line)
		if err != nil {
			continue
		}
		w.mu.Lock()
		w.commands = append(w.commands, cmd)
		w.mu.Unlock()
		if w.handle != nil {
			w.handle(w, cmd)
		}
	}
}

// Send writes a message to the worker's stdout.
func (w *Worker) Send(msg ipc.Message) {
	_ = w.out.Send(msg)
}

// Exit ends the process with the given status. Later calls are ignored.
func (w *Worker) Exit(code *int, signal string) {
	w.once.Do(func() {
		w.mu.Lock()
		w.code, w.signal = code, signal
		w.mu.Unlock()
		w.stdoutW.Close()
		w.stdinR.CloseWithError(io.ErrClosedPipe)
		close(w.done)
	})
}

// Received returns the commands named name, in arrival order.
func (w *Worker) Received(name string) []ipc.Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []ipc.Command
	for _, c := range w.commands {
		if c.CommandName() == name {
			out = append(out, c)
		}
	}
	return out
}

// Killed reports whether Kill was called.
func (w *Worker) Killed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.killed
}

func (w *Worker) Pid() int              { return 777 }
func (w *Worker) Stdin() io.WriteCloser { return w.stdinW }
func (w *Worker) Stdout() io.Reader     { return w.stdoutR }
func (w *Worker) Done() <-chan struct{} { return w.done }
func (w *Worker) StderrTail() []string  { return w.StderrLines }

func (w *Worker) ExitStatus() (*int, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.code, w.signal
}

func (w *Worker) Kill() error {
	w.mu.Lock()
	w.killed = true
	w.mu.Unlock()
	w.Exit(nil, "SIGKILL")
	return nil
}

// Code returns a pointer to an exit code.
func Code(i int) *int { return &i }

// Configured answers init the way a healthy worker does and terminate with a
// terminated status followed by a clean exit. dap commands go to extra.
func Configured(extra func(w *Worker, cmd *ipc.DapCommand)) Handler {
	return func(w *Worker, cmd ipc.Command) {
		switch c := cmd.(type) {
		case *ipc.InitCommand:
			w.Send(ipc.NewStatus(c.SessionID, ipc.StatusAdapterConfigured))
		case *ipc.DapCommand:
			if extra != nil {
				extra(w, c)
			}
		case *ipc.TerminateCommand:
			w.Send(ipc.NewStatus(c.SessionID, ipc.StatusTerminated))
			w.Exit(Code(0), "")
		}
	}
}

// Respond answers c with a successful DAP response carrying body.
func Respond(w *Worker, c *ipc.DapCommand, body string) {
	raw := json.RawMessage(`{"seq":9,"type":"response","request_seq":1,"success":true,"command":"` + c.DapCommand + `","body":` + body + `}`)
	w.Send(ipc.NewDapResponse(c.SessionID, c.RequestID, raw))
}
