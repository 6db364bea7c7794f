package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	derrors "github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/manager/managertest"
	"github.com/ctagard/dap-proxy/internal/metrics"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/pkg/types"
)

type registryHarness struct {
	reg     *Registry
	spawner *MockSpawner
	workers []*managertest.Worker
}

func newRegistryHarness(t *testing.T, n int, tweak func(*RegistryOptions)) *registryHarness {
	t.Helper()
	h := &registryHarness{spawner: new(MockSpawner)}
	for i := 0; i < n; i++ {
		fw := managertest.NewWorker(managertest.Configured(func(fw *managertest.Worker, c *ipc.DapCommand) {
			managertest.Respond(fw, c, `{}`)
		}))
		h.workers = append(h.workers, fw)
		h.spawner.On("Spawn", mock.Anything).Return(fw, nil).Once()
	}
	opts := RegistryOptions{
		Spawner: h.spawner,
		Policies: policy.NewRegistry(policy.Options{
			Executables: map[types.Language]string{types.LanguagePython: "/opt/py/bin/python"},
			Getenv:      func(string) string { return "" },
		}),
		Metrics:     metrics.New(),
		MaxSessions: 2,
		LogDir:      t.TempDir(),
		Manager: Options{
			InitTimeout:    2 * time.Second,
			RequestTimeout: 2 * time.Second,
			StopGrace:      200 * time.Millisecond,
		},
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.reg = NewRegistry(opts)
	t.Cleanup(func() {
		h.reg.Close(context.Background())
		for _, fw := range h.workers {
			fw.Exit(managertest.Code(0), "")
		}
	})
	return h
}

func (h *registryHarness) create(t *testing.T) *Session {
	t.Helper()
	s, err := h.reg.Create(context.Background(), types.LanguagePython, ipc.InitPayload{ScriptPath: "/work/app.py"})
	require.NoError(t, err)
	go drain(s.Manager.Events())
	return s
}

func TestRegistry_CreateFillsPayload(t *testing.T) {
	h := newRegistryHarness(t, 1, nil)
	s := h.create(t)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, types.LanguagePython, s.Language)
	assert.Equal(t, "python", s.Policy)

	inits := h.workers[0].Received(ipc.CmdInit)
	require.Len(t, inits, 1)
	p := inits[0].(*ipc.InitCommand).InitPayload
	assert.Equal(t, s.ID, p.SessionID)
	assert.Equal(t, "127.0.0.1", p.AdapterHost)
	assert.NotZero(t, p.AdapterPort)
	assert.Equal(t, "/opt/py/bin/python", p.ExecutablePath)
	assert.Equal(t, filepath.Join(h.reg.opts.LogDir, s.ID), p.LogDir)

	h.spawner.AssertCalled(t, "Spawn", SpawnSpec{SessionID: s.ID, Language: types.LanguagePython, LogDir: p.LogDir})

	got, err := h.reg.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	info := s.Info()
	assert.Equal(t, types.SessionStatusReady, info.Status)
	assert.Equal(t, "/work/app.py", info.Script)

	resp, err := got.Manager.SendDapRequest(context.Background(), "threads", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestRegistry_SessionLimit(t *testing.T) {
	h := newRegistryHarness(t, 2, nil)
	h.create(t)
	h.create(t)

	_, err := h.reg.Create(context.Background(), types.LanguagePython, ipc.InitPayload{ScriptPath: "/work/app.py"})
	require.Error(t, err)
	assert.Equal(t, derrors.CodeSessionLimitReached, derrors.FromError(err).Code)
	h.spawner.AssertNumberOfCalls(t, "Spawn", 2)
}

func TestRegistry_ListOrder(t *testing.T) {
	h := newRegistryHarness(t, 2, nil)
	first := h.create(t)
	second := h.create(t)

	list := h.reg.List()
	require.Len(t, list, 2)
	assert.False(t, list[1].CreatedAt.Before(list[0].CreatedAt))
	assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{list[0].ID, list[1].ID})
}

func TestRegistry_Stop(t *testing.T) {
	h := newRegistryHarness(t, 1, nil)
	s := h.create(t)

	require.NoError(t, h.reg.Stop(context.Background(), s.ID))
	assert.Len(t, h.workers[0].Received(ipc.CmdTerminate), 1)

	_, err := h.reg.Get(s.ID)
	assert.ErrorIs(t, err, derrors.ErrSessionNotFound)
	assert.ErrorIs(t, h.reg.Stop(context.Background(), s.ID), derrors.ErrSessionNotFound)
	assert.Equal(t, types.SessionStatusTerminated, s.Info().Status)
}

func TestRegistry_DropsExitedSessions(t *testing.T) {
	h := newRegistryHarness(t, 1, nil)
	s := h.create(t)

	h.workers[0].Exit(managertest.Code(1), "")
	require.Eventually(t, func() bool {
		_, err := h.reg.Get(s.ID)
		return err != nil
	}, waitFor, 5*time.Millisecond)
	assert.Empty(t, h.reg.List())
}

func TestRegistry_StartFailure(t *testing.T) {
	h := &registryHarness{spawner: new(MockSpawner)}
	fw := managertest.NewWorker(func(fw *managertest.Worker, cmd ipc.Command) {
		fw.Send(ipc.NewError(cmd.Session(), "Error handling init: Script path not found: /work/app.py"))
		fw.Exit(managertest.Code(1), "")
	})
	h.spawner.On("Spawn", mock.Anything).Return(fw, nil).Once()
	reg := NewRegistry(RegistryOptions{Spawner: h.spawner, Metrics: metrics.New()})
	defer reg.Close(context.Background())

	_, err := reg.Create(context.Background(), types.LanguagePython, ipc.InitPayload{AdapterPort: 5678, ScriptPath: "/work/app.py"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Script path not found")
	assert.Empty(t, reg.List())
}

func TestRegistry_CleanupExpired(t *testing.T) {
	h := newRegistryHarness(t, 2, func(o *RegistryOptions) { o.SessionTimeout = time.Hour })
	old := h.create(t)
	fresh := h.create(t)
	old.CreatedAt = time.Now().Add(-2 * time.Hour)

	h.reg.cleanupExpired(time.Now())

	_, err := h.reg.Get(old.ID)
	assert.ErrorIs(t, err, derrors.ErrSessionNotFound)
	_, err = h.reg.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestRegistry_Close(t *testing.T) {
	h := newRegistryHarness(t, 2, nil)
	h.create(t)
	h.create(t)

	h.reg.Close(context.Background())
	assert.Empty(t, h.reg.List())
	for _, fw := range h.workers {
		assert.Len(t, fw.Received(ipc.CmdTerminate), 1)
	}
}
