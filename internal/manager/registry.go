package manager

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	dapx "github.com/ctagard/dap-proxy/internal/dap"
	"github.com/ctagard/dap-proxy/internal/errors"
	"github.com/ctagard/dap-proxy/internal/ipc"
	"github.com/ctagard/dap-proxy/internal/metrics"
	"github.com/ctagard/dap-proxy/internal/policy"
	"github.com/ctagard/dap-proxy/pkg/types"
)

const defaultAdapterHost = "127.0.0.1"

// Session is one proxied debug session of a Registry.
type Session struct {
	ID        string
	Language  types.Language
	Policy    string
	Script    string
	CreatedAt time.Time
	Manager   *Manager
}

// Info summarizes the session for callers.
func (s *Session) Info() types.SessionInfo {
	info := types.SessionInfo{
		SessionID: s.ID,
		Language:  s.Language,
		Policy:    s.Policy,
		Script:    s.Script,
		StartedAt: s.CreatedAt,
		Status:    types.SessionStatusStarting,
	}
	switch {
	case !s.Manager.IsRunning():
		info.Status = types.SessionStatusTerminated
	case s.Manager.IsInitialized():
		info.Status = types.SessionStatusReady
		if id, ok := s.Manager.CurrentThreadID(); ok {
			info.Status = types.SessionStatusStopped
			info.CurrentThreadID = &id
		}
	}
	return info
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Spawner  Spawner
	Policies *policy.Registry
	Log      logr.Logger
	Metrics  *metrics.Metrics

	MaxSessions int
	// SessionTimeout stops sessions older than this. Zero disables it.
	SessionTimeout time.Duration
	// LogDir is the parent of the per-session log directories.
	LogDir string

	// Manager carries the timeouts for every Manager; Spawner, Log, Metrics
	// and Language are filled in per session.
	Manager Options
}

// Registry owns the Managers of one host.
type Registry struct {
	opts RegistryOptions
	log  logr.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	starting int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry and starts its cleanup loop.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		opts:     opts,
		log:      opts.Log,
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.wg.Add(1)
	go r.cleanupLoop()
	return r
}

// Create starts a new session. Missing payload fields are filled in: a fresh
// session id, a loopback adapter host, a free port, the policy's executable
// and a per-session log directory.
func (r *Registry) Create(ctx context.Context, lang types.Language, payload ipc.InitPayload) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions)+r.starting >= r.opts.MaxSessions {
		r.mu.Unlock()
		return nil, errors.SessionLimitReached(r.opts.MaxSessions)
	}
	r.starting++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.starting--
		r.mu.Unlock()
	}()

	if payload.SessionID == "" {
		payload.SessionID = uuid.NewString()
	}
	if payload.AdapterHost == "" {
		payload.AdapterHost = defaultAdapterHost
	}
	if payload.AdapterPort == 0 && payload.AdapterCommand == nil {
		port, err := dapx.FreePort(payload.AdapterHost)
		if err != nil {
			return nil, errors.ProxyStartFailed("no free adapter port", err)
		}
		payload.AdapterPort = port
	}
	if payload.LogDir == "" && r.opts.LogDir != "" {
		payload.LogDir = filepath.Join(r.opts.LogDir, payload.SessionID)
	}

	policyName := ""
	if r.opts.Policies != nil {
		pol := r.opts.Policies.Select(&payload, lang)
		policyName = pol.Name()
		if lang == "" {
			lang = pol.Language()
		}
		if payload.ExecutablePath == "" {
			payload.ExecutablePath = pol.ResolveExecutablePath("")
		}
	}

	log := r.log.WithValues("sessionId", payload.SessionID, "language", lang)
	mopts := r.opts.Manager
	mopts.Spawner = r.opts.Spawner
	mopts.Log = log
	mopts.Metrics = r.opts.Metrics
	mopts.Language = lang
	m := New(mopts)

	log.Info("Starting session", "script", payload.ScriptPath, "policy", policyName)
	if err := m.Start(ctx, payload); err != nil {
		r.opts.Metrics.SessionFailed(string(lang))
		_ = m.Stop(context.Background())
		return nil, err
	}

	s := &Session{
		ID:        payload.SessionID,
		Language:  lang,
		Policy:    policyName,
		Script:    payload.ScriptPath,
		CreatedAt: time.Now(),
		Manager:   m,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	r.opts.Metrics.SessionStarted(string(lang))

	r.wg.Add(1)
	go r.watch(s)
	return s, nil
}

// watch drops the session once its worker is gone.
func (r *Registry) watch(s *Session) {
	defer r.wg.Done()
	<-s.Manager.Done()
	r.mu.Lock()
	_, ok := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	if ok {
		r.log.Info("Session ended", "sessionId", s.ID)
		r.opts.Metrics.SessionEnded()
	}
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	return s, nil
}

// List returns the live sessions, oldest first.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stop terminates a session and forgets it.
func (r *Registry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return errors.SessionNotFound(id)
	}
	r.opts.Metrics.SessionEnded()
	return s.Manager.Stop(ctx)
}

// Close stops every session and the cleanup loop.
func (r *Registry) Close(ctx context.Context) {
	r.cancel()
	var wg sync.WaitGroup
	for _, s := range r.List() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Stop(ctx, id); err != nil {
				r.log.Error(err, "Failed to stop session", "sessionId", id)
			}
		}(s.ID)
	}
	wg.Wait()
	r.wg.Wait()
}

func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired stops sessions that outlived the session timeout.
func (r *Registry) cleanupExpired(now time.Time) {
	if r.opts.SessionTimeout <= 0 {
		return
	}
	for _, s := range r.List() {
		if now.Sub(s.CreatedAt) <= r.opts.SessionTimeout {
			continue
		}
		r.log.Info("Session expired", "sessionId", s.ID, "age", now.Sub(s.CreatedAt))
		if err := r.Stop(r.ctx, s.ID); err != nil {
			r.log.Error(err, "Failed to stop expired session", "sessionId", s.ID)
		}
	}
}
