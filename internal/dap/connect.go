package dap

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/ctagard/dap-proxy/internal/errors"
)

// ConnectOptions controls how persistently DialWithRetry waits for an adapter
// to start listening.
type ConnectOptions struct {
	// InitialDelay is waited once before the first attempt.
	InitialDelay time.Duration
	// Attempts is the total number of connection attempts.
	Attempts int
	// Interval separates consecutive attempts.
	Interval time.Duration
	// DialTimeout bounds a single attempt.
	DialTimeout time.Duration
}

// DefaultConnectOptions gives a freshly spawned adapter about 12 seconds to
// open its port.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		InitialDelay: 500 * time.Millisecond,
		Attempts:     60,
		Interval:     200 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	}
}

// Dialer opens a connection to a DAP server.
type Dialer interface {
	Dial(ctx context.Context, address string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}

// TCPDialer dials plain TCP.
func TCPDialer(timeout time.Duration) Dialer {
	d := &net.Dialer{Timeout: timeout}
	return DialerFunc(func(ctx context.Context, address string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", address)
	})
}

// DialWithRetry connects to address, retrying at a constant interval until
// the attempts run out or ctx ends.
func DialWithRetry(ctx context.Context, dialer Dialer, address string, opts ConnectOptions, log logr.Logger) (net.Conn, error) {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	if opts.InitialDelay > 0 {
		log.V(1).Info("Waiting before first DAP connect attempt", "delay", opts.InitialDelay)
		timer := time.NewTimer(opts.InitialDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.AdapterConnectFailed(address, ctx.Err())
		}
	}

	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Interval), uint64(opts.Attempts-1)),
		ctx,
	)

	conn, err := backoff.RetryNotifyWithData(
		func() (net.Conn, error) {
			attempt++
			return dialer.Dial(ctx, address)
		},
		b,
		func(err error, d time.Duration) {
			log.V(1).Info("DAP connect attempt failed", "attempt", attempt, "max", opts.Attempts, "retryIn", d, "error", err.Error())
		},
	)
	if err != nil {
		log.Error(err, "Failed to connect to debug adapter", "address", address, "attempts", attempt)
		return nil, errors.AdapterConnectFailed(address, err)
	}

	log.Info("Connected to debug adapter", "address", address, "attempts", attempt)
	return conn, nil
}

// FreePort finds an available TCP port on host by binding to port 0.
func FreePort(host string) (int, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
