// Package worker implements the per-session proxy process.
//
// A Worker accepts exactly one init command, spawns the debug adapter chosen
// by the adapter policy, connects a DAP client to it and relays traffic
// between the adapter and its parent. Every inbound command and every adapter
// message passes through the session reducer; the Worker only executes the
// commands the reducer returns.
package worker

import (
	"os"
	"time"

	"github.com/go-logr/logr"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/pkg/types"
)

// Sender delivers messages to the parent process.
type Sender interface {
	Send(msg ipc.Message) error
}

// FileSystem is the part of the file system the init flow touches.
type FileSystem interface {
	Exists(path string) bool
	MkdirAll(path string) error
}

// OSFileSystem uses the real file system.
type OSFileSystem struct{}

func (OSFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (OSFileSystem) MkdirAll(path string) error {
	return os.MkdirAll(path, 0o755)
}

// Dependencies is everything a Worker needs from its environment. There are
// no process-wide defaults: tests build their own.
type Dependencies struct {
	Sender   Sender
	Launcher dapx.Launcher
	Dialer   dapx.Dialer
	Policies *policy.Registry
	FS       FileSystem
	Log      logr.Logger
}

// Settings are the tunables of a Worker.
type Settings struct {
	// Language selects the policy explicitly; empty means detect it from the
	// init payload.
	Language types.Language
	// RequestTimeout bounds every forwarded DAP request.
	RequestTimeout time.Duration
	Connect        dapx.ConnectOptions
	// ChildConnect is used for the second connection of a child session.
	ChildConnect dapx.ConnectOptions
	// KillGrace separates SIGTERM and SIGKILL when stopping the adapter.
	KillGrace time.Duration
	// DisconnectTimeout bounds the disconnect request during shutdown.
	DisconnectTimeout time.Duration
}

// DefaultSettings returns the production tunables.
func DefaultSettings() Settings {
	return Settings{
		RequestTimeout:    30 * time.Second,
		Connect:           dapx.DefaultConnectOptions(),
		ChildConnect:      dapx.ConnectOptions{Attempts: 5, Interval: 200 * time.Millisecond, DialTimeout: 2 * time.Second},
		KillGrace:         300 * time.Millisecond,
		DisconnectTimeout: time.Second,
	}
}

func (d *Dependencies) applyDefaults() {
	if d.Log.GetSink() == nil {
		d.Log = logr.Discard()
	}
	if d.FS == nil {
		d.FS = OSFileSystem{}
	}
	if d.Dialer == nil {
		d.Dialer = dapx.TCPDialer(2 * time.Second)
	}
	if d.Launcher == nil {
		d.Launcher = &dapx.ExecLauncher{Log: d.Log.WithName("adapter")}
	}
	if d.Policies == nil {
		d.Policies = policy.NewRegistry(policy.Options{})
	}
}
