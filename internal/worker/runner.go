package worker

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
)

// drainTimeout bounds how long Run waits for background goroutines after the
// worker is done.
const drainTimeout = 2 * time.Second

// Run reads commands from in until the worker finishes and returns the exit
// code. The end of in and the end of ctx both count as a terminate command.
func (w *Worker) Run(ctx context.Context, in io.Reader) int {
	go func() {
		defer w.recoverFatal()
		w.readCommands(in)
	}()

	select {
	case <-w.Done():
	case <-ctx.Done():
		w.log.Info("Received shutdown signal")
		w.HandleCommand(ipc.NewTerminateCommand(w.sessionID()))
		<-w.Done()
	}

	drained := make(chan struct{})
	go func() {
		w.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		w.log.Info("Background tasks still running at exit")
	}
	return w.ExitCode()
}

func (w *Worker) readCommands(in io.Reader) {
	dec := ipc.NewDecoder(in)
	for {
		line, err := dec.Next()
		if err != nil {
			if !stderrors.Is(err, io.EOF) {
				w.log.Error(err, "Failed to read command stream")
			} else {
				w.log.Info("Parent closed the command stream")
			}
			select {
			case <-w.Done():
			default:
				w.HandleCommand(ipc.NewTerminateCommand(w.sessionID()))
			}
			return
		}

		select {
		case <-w.Done():
			return
		default:
		}

		cmd, err := ipc.ParseCommand(line)
		if err != nil {
			w.log.Error(err, "Rejected command")
			w.sendError("Proxy error processing command: " + errors.FromError(err).Message)
			continue
		}
		w.log.V(1).Info("Received command", "cmd", cmd.CommandName())
		w.HandleCommand(cmd)
	}
}
