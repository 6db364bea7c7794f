package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/manager"
	"github.com/ctagard/dap-proxy/internal/session"
	"github.com/ctagard/dap-proxy/pkg/types"
)

type dryRunFlagData struct {
	language   string
	executable string
}

var dryRunFlags dryRunFlagData

// dryRunResult is printed by the dry-run command.
type dryRunResult struct {
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`
	Policy    string `json:"policy"`
	Command   string `json:"command"`
	Script    string `json:"script"`
}

func NewDryRunCommand() *cobra.Command {
	dryRunCmd := &cobra.Command{
		Use:   "dry-run <program>",
		Short: "Shows the debug adapter command a session would run",
		Long: `Starts a worker in dry-run mode. The worker resolves the adapter policy and
the adapter command for the program, reports them and exits without starting
the adapter.`,
		RunE: dryRun,
		Args: cobra.ExactArgs(1),
	}

	dryRunCmd.Flags().StringVarP(&dryRunFlags.language, "language", "l", "", "Language of the program; detected from the executable when empty")
	dryRunCmd.Flags().StringVar(&dryRunFlags.executable, "executable", "", "Interpreter or runtime to use")
	return dryRunCmd
}

func dryRun(cmd *cobra.Command, args []string) error {
	h, err := newHost(cmd, 1)
	if err != nil {
		return err
	}
	defer h.logger.Flush()
	ctx := cmd.Context()
	defer h.sessions.Close(context.Background())

	sess, err := h.sessions.Create(ctx, types.Language(dryRunFlags.language), ipc.InitPayload{
		ScriptPath:     args[0],
		ExecutablePath: dryRunFlags.executable,
		DryRunSpawn:    true,
	})
	if err != nil {
		return err
	}

	ev, err := waitForEvent(ctx, sess.Manager, session.EventDryRunComplete)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(dryRunResult{
		SessionID: sess.ID,
		Language:  string(sess.Language),
		Policy:    sess.Policy,
		Command:   ev.Command,
		Script:    ev.Script,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// waitForEvent returns the first event named name. It fails when the event
// stream ends first.
func waitForEvent(ctx context.Context, m *manager.Manager, name string) (manager.Event, error) {
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return manager.Event{}, fmt.Errorf("worker exited before %s", name)
			}
			if ev.Name == name {
				return ev, nil
			}
			if ev.Name == session.EventError {
				return manager.Event{}, fmt.Errorf("worker error: %s", ev.Message)
			}
		case <-ctx.Done():
			return manager.Event{}, ctx.Err()
		}
	}
}
