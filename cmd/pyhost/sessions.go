package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/caffeineduck/pyhost/internal/ids"
	"github.com/caffeineduck/pyhost/internal/metrics"
	"github.com/caffeineduck/pyhost/proxy"
	"go.uber.org/zap"
)

var errTooManySessions = errors.New("session limit reached")

// proxyFactory starts an isolate whose persisted files and installs live
// under namespace.
type proxyFactory func(ctx context.Context, namespace string) (*proxy.Proxy, error)

// sessionNamespace is the storage namespace of a session.
func sessionNamespace(id string) string {
	return "sessions/" + id
}

type sessionManager struct {
	factory proxyFactory
	ttl     time.Duration
	max     int
	metrics *metrics.Collector
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*serverSession
	// pending counts sessions being created, so max holds under
	// concurrent creates.
	pending int

	stop     chan struct{}
	stopOnce sync.Once
}

type serverSession struct {
	proxy    *proxy.Proxy
	lastUsed time.Time
}

func newSessionManager(factory proxyFactory, ttl time.Duration, max int, m *metrics.Collector, log *zap.Logger) *sessionManager {
	return &sessionManager{
		factory:  factory,
		ttl:      ttl,
		max:      max,
		metrics:  m,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*serverSession),
		stop:     make(chan struct{}),
	}
}

// create starts a new isolate and registers it under a fresh id. Each
// session gets its own storage namespace, so sessions never see each
// other's files.
func (sm *sessionManager) create(ctx context.Context) (string, *proxy.Proxy, error) {
	sm.mu.Lock()
	if sm.max > 0 && len(sm.sessions)+sm.pending >= sm.max {
		sm.mu.Unlock()
		return "", nil, errTooManySessions
	}
	sm.pending++
	sm.mu.Unlock()

	id := ids.NewSession()
	p, err := sm.factory(ctx, sessionNamespace(id))

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.pending--
	if err != nil {
		return "", nil, err
	}
	sm.sessions[id] = &serverSession{proxy: p, lastUsed: sm.now()}
	sm.metrics.SetSessions(len(sm.sessions))
	sm.log.Info("session created", zap.String("session", id), zap.String("backend", p.Backend()))
	return id, p, nil
}

// get returns the session's proxy and marks it used.
func (sm *sessionManager) get(id string) (*proxy.Proxy, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = sm.now()
	return ss.proxy, true
}

func (sm *sessionManager) close(ctx context.Context, id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
		sm.metrics.SetSessions(len(sm.sessions))
	}
	sm.mu.Unlock()

	if ok {
		ss.proxy.Destroy(ctx)
		sm.log.Info("session closed", zap.String("session", id))
	}
	return ok
}

func (sm *sessionManager) count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// reap destroys sessions idle for longer than the TTL and returns how many
// it removed.
func (sm *sessionManager) reap(ctx context.Context) int {
	now := sm.now()
	var expired []*serverSession

	sm.mu.Lock()
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			expired = append(expired, ss)
			delete(sm.sessions, id)
			sm.log.Info("session expired", zap.String("session", id))
		}
	}
	sm.metrics.SetSessions(len(sm.sessions))
	sm.mu.Unlock()

	for _, ss := range expired {
		ss.proxy.Destroy(ctx)
	}
	return len(expired)
}

// cleanup reaps on an interval until closeAll.
func (sm *sessionManager) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sm.reap(context.Background())
		case <-sm.stop:
			return
		}
	}
}

func (sm *sessionManager) closeAll(ctx context.Context) {
	sm.stopOnce.Do(func() { close(sm.stop) })

	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.metrics.SetSessions(0)
	sm.mu.Unlock()

	for _, ss := range all {
		ss.proxy.Destroy(ctx)
	}
}
