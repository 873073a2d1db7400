package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"puppetmaster/internal/protocol"
)

const (
	maxEvents       = 1024
	summaryEvents   = 20
	defaultEventsN  = 50
	maxEventsPerGet = 500
)

var ErrNotConnected = errors.New("not connected")

type SessionConfig struct {
	Key         string
	WorldWSURL  string
	ResumeToken string
	AgentIDHint string
}

// sessionUpdate carries what the manager's ledger tracks: a fresh WELCOME
// or the events of one OBS frame.
type sessionUpdate struct {
	Welcome *protocol.WelcomeMsg
	At      time.Time
	Events  []protocol.Event
}

type onUpdateFn func(key string, upd sessionUpdate)

// Session keeps one pawn connected on behalf of a tool caller. OBS frames are
// cached and their events are buffered behind a cursor so callers can poll.
type Session struct {
	cfg      SessionConfig
	onUpdate onUpdateFn

	mu sync.RWMutex

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}

	connected       bool
	paused          bool
	resumeNotify    chan struct{}
	lastConnectedAt time.Time
	lastErr         string

	conn    *websocket.Conn
	writeMu sync.Mutex

	agentID     string
	resumeToken string
	welcome     protocol.WelcomeMsg

	lastObsTick uint64
	lastObsRaw  json.RawMessage
	obsNotify   chan struct{}

	events     []EventRecord
	nextCursor uint64
	actSeq     uint64
}

type obsWire struct {
	Tick    uint64           `json:"tick"`
	AgentID string           `json:"agent_id"`
	Events  []protocol.Event `json:"events"`
}

func NewSession(cfg SessionConfig, onUpdate onUpdateFn) *Session {
	if cfg.Key == "" {
		cfg.Key = "default"
	}
	return &Session{
		cfg:          cfg,
		onUpdate:     onUpdate,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		resumeNotify: make(chan struct{}, 1),
		agentID:      cfg.AgentIDHint,
		resumeToken:  cfg.ResumeToken,
		obsNotify:    make(chan struct{}, 1),
	}
}

func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.Disconnect()
		s.startOnce.Do(func() { close(s.done) })
		<-s.done
	})
}

// Disconnect drops the socket; the run loop reconnects after backoff.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// DisconnectAndPause drops the socket and holds the run loop until the next
// ResumeReconnect. The world keeps the pawn for its detach grace, so a
// resume within that window lands on the same pawn.
func (s *Session) DisconnectAndPause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.Disconnect()
}

func (s *Session) ResumeReconnect() {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()
	if !wasPaused {
		return
	}
	select {
	case s.resumeNotify <- struct{}{}:
	default:
	}
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Connected:     s.connected,
		Paused:        s.paused,
		AgentID:       s.agentID,
		ResumeToken:   s.resumeToken,
		WorldWSURL:    s.cfg.WorldWSURL,
		LastObsTick:   s.lastObsTick,
		TickRateHz:    s.welcome.WorldParams.TickRateHz,
		AbilityDigest: s.welcome.Catalogs.Abilities.Digest,
		AbilityCount:  s.welcome.Catalogs.Abilities.Count,
		EventCursor:   s.nextCursor,
		LastError:     s.lastErr,
	}
}

type obsSummary struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	AgentID         string `json:"agent_id"`

	Self      protocol.SelfObs       `json:"self"`
	Abilities []abilitySummary       `json:"abilities"`
	Cooldowns []protocol.CooldownObs `json:"cooldowns"`
	Events    []protocol.Event       `json:"events"`
}

type abilitySummary struct {
	Handle    uint64 `json:"handle"`
	AbilityID string `json:"ability_id"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

func (s *Session) GetObs(ctx context.Context, opts GetObsOpts) (ObsResult, error) {
	if opts.Mode == "" {
		opts.Mode = ObsModeSummary
	}
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	var tick uint64
	var raw json.RawMessage
	var agentID string
	if opts.WaitNewTick {
		var err error
		tick, raw, agentID, err = s.waitObsAfter(ctx, s.latestObsTick(), timeout)
		if err != nil {
			return ObsResult{}, err
		}
	} else {
		tick, raw, agentID = s.latestObs()
	}
	if len(raw) == 0 {
		return ObsResult{Tick: 0, AgentID: agentID}, nil
	}

	switch opts.Mode {
	case ObsModeFull:
		return ObsResult{Tick: tick, AgentID: agentID, Obs: raw}, nil
	case ObsModeSummary:
		var o protocol.ObsMsg
		if err := json.Unmarshal(raw, &o); err != nil {
			return ObsResult{}, fmt.Errorf("parse obs: %w", err)
		}
		ev := o.Events
		if len(ev) > summaryEvents {
			ev = ev[len(ev)-summaryEvents:]
		}
		sum := obsSummary{
			Type:            o.Type,
			ProtocolVersion: o.ProtocolVersion,
			Tick:            o.Tick,
			AgentID:         o.AgentID,
			Self:            o.Self,
			Abilities:       make([]abilitySummary, 0, len(o.Abilities)),
			Cooldowns:       o.Cooldowns,
			Events:          ev,
		}
		for _, a := range o.Abilities {
			sum.Abilities = append(sum.Abilities, abilitySummary{Handle: a.Handle, AbilityID: a.AbilityID, ElapsedMS: a.ElapsedMS})
		}
		b, _ := json.Marshal(sum)
		return ObsResult{Tick: tick, AgentID: agentID, Obs: b}, nil
	default:
		return ObsResult{}, fmt.Errorf("unknown mode: %s", opts.Mode)
	}
}

// GetEvents returns buffered events with a cursor greater than sinceCursor.
// Dropped reports that older events were evicted before the caller saw them.
func (s *Session) GetEvents(ctx context.Context, sinceCursor uint64, limit int) (GetEventsResult, error) {
	if err := ctx.Err(); err != nil {
		return GetEventsResult{}, err
	}
	if limit <= 0 {
		limit = defaultEventsN
	}
	if limit > maxEventsPerGet {
		limit = maxEventsPerGet
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	res := GetEventsResult{Events: []EventRecord{}, NextCursor: sinceCursor}
	if len(s.events) > 0 && s.events[0].Cursor > sinceCursor+1 {
		res.Dropped = true
	}
	for _, e := range s.events {
		if e.Cursor <= sinceCursor {
			continue
		}
		res.Events = append(res.Events, e)
		res.NextCursor = e.Cursor
		if len(res.Events) >= limit {
			break
		}
	}
	return res, nil
}

func (s *Session) Act(ctx context.Context, args ActArgs) (ActResult, error) {
	if len(args.Activate) == 0 && len(args.Input) == 0 && len(args.Cancel) == 0 {
		return ActResult{}, fmt.Errorf("empty act")
	}
	if len(args.CancelRefs) > 0 {
		return ActResult{}, fmt.Errorf("cancel_refs must be resolved to handles first")
	}

	activate := append([]protocol.ActivateReq(nil), args.Activate...)
	base := time.Now().UnixMilli()
	refs := make([]string, 0, len(activate))
	s.mu.Lock()
	for i := range activate {
		activate[i].Ability = strings.TrimSpace(activate[i].Ability)
		if activate[i].Ability == "" {
			s.mu.Unlock()
			return ActResult{}, fmt.Errorf("activate[%d]: missing ability", i)
		}
		if strings.TrimSpace(activate[i].ID) == "" {
			s.actSeq++
			activate[i].ID = fmt.Sprintf("K_%d_%d", base, s.actSeq)
		}
		refs = append(refs, activate[i].ID)
	}
	s.mu.Unlock()

	// An ACT is only meaningful once the pawn has been observed.
	tickUsed, agentID, err := s.waitForFirstObs(ctx, 2*time.Second)
	if err != nil {
		return ActResult{}, err
	}

	b, _ := json.Marshal(protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            tickUsed,
		AgentID:         agentID,
		Activate:        activate,
		Cancel:          args.Cancel,
		Input:           args.Input,
		Target:          args.Target,
	})

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ActResult{}, ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return ActResult{}, err
	}
	return ActResult{Sent: true, TickUsed: tickUsed, AgentID: agentID, Refs: refs}, nil
}

func (s *Session) latestObs() (tick uint64, raw json.RawMessage, agentID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastObsTick, append(json.RawMessage(nil), s.lastObsRaw...), s.agentID
}

func (s *Session) latestObsTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastObsTick
}

func (s *Session) waitForFirstObs(ctx context.Context, timeout time.Duration) (tick uint64, agentID string, err error) {
	s.mu.RLock()
	seen := len(s.lastObsRaw) > 0
	tick, agentID = s.lastObsTick, s.agentID
	s.mu.RUnlock()
	if seen {
		return tick, agentID, nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		case <-deadline.C:
			return 0, "", fmt.Errorf("timeout waiting for obs")
		case <-s.obsNotify:
		}
		s.mu.RLock()
		seen = len(s.lastObsRaw) > 0
		tick, agentID = s.lastObsTick, s.agentID
		s.mu.RUnlock()
		if seen {
			return tick, agentID, nil
		}
	}
}

func (s *Session) waitObsAfter(ctx context.Context, start uint64, timeout time.Duration) (tick uint64, raw json.RawMessage, agentID string, err error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		t, r, aid := s.latestObs()
		if t > start && len(r) > 0 {
			return t, r, aid, nil
		}
		select {
		case <-ctx.Done():
			return 0, nil, "", ctx.Err()
		case <-deadline.C:
			t, r, aid = s.latestObs()
			if t > start && len(r) > 0 {
				return t, r, aid, nil
			}
			return 0, nil, "", fmt.Errorf("timeout waiting for obs")
		case <-s.obsNotify:
		}
	}
}

// recordObs caches the frame and appends its events to the cursor buffer.
func (s *Session) recordObs(msg []byte, o obsWire) {
	s.mu.Lock()
	s.lastObsTick = o.Tick
	s.lastObsRaw = append(json.RawMessage(nil), msg...)
	if o.AgentID != "" {
		s.agentID = o.AgentID
	}
	for _, e := range o.Events {
		s.nextCursor++
		s.events = append(s.events, EventRecord{Cursor: s.nextCursor, Tick: o.Tick, Event: e})
	}
	if over := len(s.events) - maxEvents; over > 0 {
		s.events = append(s.events[:0:0], s.events[over:]...)
	}
	s.mu.Unlock()
	select {
	case s.obsNotify <- struct{}{}:
	default:
	}
}

// waitWhilePaused returns false when the session is stopped.
func (s *Session) waitWhilePaused() bool {
	for {
		s.mu.RLock()
		paused := s.paused
		s.mu.RUnlock()
		if !paused {
			return true
		}
		select {
		case <-s.stop:
			return false
		case <-s.resumeNotify:
		}
	}
}

func (s *Session) run() {
	defer close(s.done)

	const maxBackoff = 5 * time.Second
	backoff := 200 * time.Millisecond
	for {
		if !s.waitWhilePaused() {
			s.Disconnect()
			return
		}
		welcomed, err := s.connectAndReadLoop()
		select {
		case <-s.stop:
			s.Disconnect()
			return
		default:
		}
		if welcomed {
			backoff = 200 * time.Millisecond
		}

		s.mu.Lock()
		s.connected = false
		s.conn = nil
		paused := s.paused
		if err != nil && !paused {
			s.lastErr = err.Error()
		}
		s.mu.Unlock()
		if paused {
			continue
		}

		select {
		case <-s.stop:
			s.Disconnect()
			return
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (s *Session) connectAndReadLoop() (welcomed bool, err error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(s.cfg.WorldWSURL, http.Header{})
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s.mu.RLock()
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       s.cfg.Key,
		ResumeToken:     strings.TrimSpace(s.resumeToken),
	}
	s.mu.RUnlock()

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return false, err
	}

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		_ = conn.Close()
		return false, nil
	}
	s.conn = conn
	s.lastErr = ""
	s.mu.Unlock()

	for {
		select {
		case <-s.stop:
			_ = conn.Close()
			return welcomed, nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return welcomed, err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.ProtocolVersion != protocol.Version {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			welcomed = true
			now := time.Now()
			s.mu.Lock()
			s.welcome = w
			s.agentID = w.AgentID
			s.resumeToken = w.ResumeToken
			s.connected = true
			s.lastConnectedAt = now
			s.lastObsTick = 0
			s.lastObsRaw = nil
			s.mu.Unlock()
			if s.onUpdate != nil {
				s.onUpdate(s.cfg.Key, sessionUpdate{Welcome: &w, At: now})
			}

		case protocol.TypeObs:
			var o obsWire
			if err := json.Unmarshal(msg, &o); err != nil {
				continue
			}
			s.recordObs(msg, o)
			if s.onUpdate != nil && len(o.Events) > 0 {
				s.onUpdate(s.cfg.Key, sessionUpdate{Events: o.Events})
			}
		}
	}
}
