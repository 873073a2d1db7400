package bridge

import (
	"container/list"
	"context"
	"fmt"
	"log"
	"sync"
)

type Config struct {
	WorldWSURL string
	// StateFile holds the pawn ledger; empty keeps it in memory only.
	StateFile   string
	MaxSessions int
	Logger      *log.Logger
}

type managed struct {
	key     string
	session *Session
}

// Manager owns one Session per caller key, keeping at most MaxSessions
// connected and dropping the least recently used one beyond that. The pawn
// ledger outlives evictions and restarts, so a returning caller reattaches
// to its pawn and can still cancel by ref.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*list.Element
	lru      *list.List // front is most recent
	ledger   *ledger
	closed   bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.WorldWSURL == "" {
		return nil, fmt.Errorf("empty world ws url")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 256
	}
	l, err := openLedger(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		sessions: map[string]*list.Element{},
		lru:      list.New(),
		ledger:   l,
	}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var sessions []*Session
	for e := m.lru.Front(); e != nil; e = e.Next() {
		sessions = append(sessions, e.Value.(*managed).session)
	}
	m.sessions = map[string]*list.Element{}
	m.lru.Init()
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

func (m *Manager) GetStatus(ctx context.Context, sessionKey string) (Status, error) {
	s, key, err := m.session(sessionKey)
	if err != nil {
		return Status{}, err
	}
	_ = ctx
	st := s.Status()
	m.mu.Lock()
	if h := m.ledger.get(key).Handles; len(h) > 0 {
		st.Handles = h
	}
	m.mu.Unlock()
	return st, nil
}

func (m *Manager) GetObs(ctx context.Context, sessionKey string, opts GetObsOpts) (ObsResult, error) {
	s, _, err := m.session(sessionKey)
	if err != nil {
		return ObsResult{}, err
	}
	s.ResumeReconnect()
	return s.GetObs(ctx, opts)
}

func (m *Manager) GetEvents(ctx context.Context, sessionKey string, sinceCursor uint64, limit int) (GetEventsResult, error) {
	s, _, err := m.session(sessionKey)
	if err != nil {
		return GetEventsResult{}, err
	}
	s.ResumeReconnect()
	return s.GetEvents(ctx, sinceCursor, limit)
}

// Act sends an ACT for the caller's pawn. CancelRefs are turned into
// handles through the ledger; an unknown ref fails the whole call.
func (m *Manager) Act(ctx context.Context, sessionKey string, args ActArgs) (ActResult, error) {
	s, key, err := m.session(sessionKey)
	if err != nil {
		return ActResult{}, err
	}
	if len(args.CancelRefs) > 0 {
		m.mu.Lock()
		handles, err := m.ledger.resolve(key, args.CancelRefs)
		m.mu.Unlock()
		if err != nil {
			return ActResult{}, err
		}
		args.Cancel = append(append([]uint64(nil), args.Cancel...), handles...)
		args.CancelRefs = nil
	}
	s.ResumeReconnect()
	return s.Act(ctx, args)
}

// Disconnect pauses the session; the next call for the same key reconnects.
func (m *Manager) Disconnect(ctx context.Context, sessionKey string) error {
	s, _, err := m.session(sessionKey)
	if err != nil {
		return err
	}
	_ = ctx
	s.DisconnectAndPause()
	return nil
}

// session returns the live session for key, starting one from the ledger
// when needed, and marks it most recently used.
func (m *Manager) session(key string) (*Session, string, error) {
	if key == "" {
		key = "default"
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, key, fmt.Errorf("bridge manager closed")
	}
	if e := m.sessions[key]; e != nil {
		m.lru.MoveToFront(e)
		return e.Value.(*managed).session, key, nil
	}

	for m.lru.Len() >= m.cfg.MaxSessions {
		oldest := m.lru.Back()
		victim := m.lru.Remove(oldest).(*managed)
		delete(m.sessions, victim.key)
		m.logf("evicting bridge session %s", victim.key)
		go victim.session.Close()
	}

	rec := m.ledger.get(key)
	s := NewSession(SessionConfig{
		Key:         key,
		WorldWSURL:  m.cfg.WorldWSURL,
		ResumeToken: rec.ResumeToken,
		AgentIDHint: rec.AgentID,
	}, m.onSessionUpdate)
	m.sessions[key] = m.lru.PushFront(&managed{key: key, session: s})
	s.Start()
	return s, key, nil
}

// Sessions lists connected keys, most recently used first.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, m.lru.Len())
	for e := m.lru.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*managed).key)
	}
	return out
}

func (m *Manager) onSessionUpdate(key string, upd sessionUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	changed := false
	if upd.Welcome != nil {
		m.ledger.welcome(key, *upd.Welcome, upd.At)
		changed = true
	}
	if len(upd.Events) > 0 && m.ledger.observe(key, upd.Events) {
		changed = true
	}
	if !changed {
		return
	}
	if err := m.ledger.flush(); err != nil {
		m.logf("bridge ledger %s: %v", m.cfg.StateFile, err)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}
