package world

import (
	"encoding/json"
	"fmt"
	"time"

	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/ability"
	"puppetmaster/internal/sim/attributes"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tasks"
)

// arriveEpsilon is how close a pawn must be to its goal to count as there.
const arriveEpsilon = 1e-6

// Pawn is the world's concrete agent. It implements ability.Agent.
type Pawn struct {
	ID          string
	Name        string
	ResumeToken string
	Pos         navgrid.Vec2

	w     *World
	attrs *attributes.Set
	ctl   *ability.Controller
	move  *navTo

	// quiet suppresses attribute change events (regen, restore).
	quiet  bool
	events []protocol.Event

	// detached marks a pawn whose connection closed at tick detachedAt.
	detached   bool
	detachedAt uint64
}

func (w *World) newPawn(id, name string, pos navgrid.Vec2) *Pawn {
	p := &Pawn{ID: id, Name: name, Pos: pos, w: w}
	p.attrs = attributes.New(w.cfg.Attributes)
	p.attrs.OnChange = p.onAttributeChange
	p.ctl = ability.NewController(p, w.store)
	p.ctl.SetObserver(p.onAbilityEvent)
	return p
}

func (p *Pawn) Controller() *ability.Controller { return p.ctl }
func (p *Pawn) Attributes() *attributes.Set     { return p.attrs }

// Moving reports whether a move request is in progress.
func (p *Pawn) Moving() bool { return p.move != nil }

func (p *Pawn) AddEvent(e protocol.Event) {
	p.events = append(p.events, e)
}

func (p *Pawn) takeEvents() []protocol.Event {
	out := p.events
	p.events = nil
	return out
}

func (p *Pawn) Resource() float64 { return p.attrs.Get(attributes.Energy) }

func (p *Pawn) ConsumeResource(amount float64) {
	_, _ = p.attrs.Adjust(attributes.Energy, -amount)
}

func (p *Pawn) Position() navgrid.Vec2 { return p.Pos }

func (p *Pawn) RequestNavigationPath(from, to navgrid.Vec2) (navgrid.Path, error) {
	return p.w.grid.FindPath(from, to)
}

// RequestMove returns a task that walks the pawn to target. The path is
// resolved when the task starts.
func (p *Pawn) RequestMove(target navgrid.Vec2) (tasks.Task, error) {
	if !p.w.grid.WalkablePos(target) {
		return nil, fmt.Errorf("%w: target (%.2f, %.2f) not walkable", ability.ErrUnreachable, target.X, target.Y)
	}
	return &navTo{p: p, target: target}, nil
}

func (p *Pawn) PlayEffect(id string) error {
	if id == "" {
		return fmt.Errorf("effect: empty id")
	}
	p.AddEvent(protocol.Event{
		"t":      p.w.tick.Load(),
		"type":   protocol.EventEffect,
		"effect": id,
	})
	return nil
}

func (p *Pawn) AdjustAttribute(name string, delta float64) error {
	_, err := p.attrs.Adjust(name, delta)
	return err
}

func (p *Pawn) onAttributeChange(c attributes.Change) {
	if p.quiet {
		return
	}
	p.AddEvent(protocol.Event{
		"t":         p.w.tick.Load(),
		"type":      protocol.EventAttribute,
		"attribute": c.Name,
		"old":       c.Old,
		"new":       c.New,
	})
}

func (p *Pawn) onAbilityEvent(ev ability.Event) {
	nowTick := p.w.tick.Load()
	e := protocol.Event{
		"t":       nowTick,
		"type":    string(ev.Type),
		"handle":  uint64(ev.Handle),
		"ability": ev.AbilityID,
	}
	if ev.Task != "" {
		e["task"] = string(ev.Task)
	}
	if ev.Err != nil {
		e["code"] = ability.Code(ev.Err)
		e["message"] = ev.Err.Error()
	}
	p.AddEvent(e)

	if ev.Type == ability.EventActivated {
		p.w.activations++
		return
	}
	entry := AuditEntry{
		Tick:      nowTick,
		Actor:     p.ID,
		Action:    string(ev.Type),
		AbilityID: ev.AbilityID,
		Handle:    uint64(ev.Handle),
	}
	if ev.Err != nil {
		entry.Code = ability.Code(ev.Err)
		entry.Reason = ev.Err.Error()
	}
	if ev.Task != "" {
		entry.Details = map[string]any{"task": string(ev.Task)}
	}
	p.w.audit(entry)
}

// regen adds energy without emitting change events.
func (p *Pawn) regen(amount float64) {
	if amount <= 0 {
		return
	}
	p.quiet = true
	_, _ = p.attrs.Adjust(attributes.Energy, amount)
	p.quiet = false
}

// navTo walks a pawn along a grid path at the configured move speed.
// Only one navTo runs per pawn; starting a new one aborts the previous.
type navTo struct {
	p      *Pawn
	target navgrid.Vec2

	path      navgrid.Path
	total     float64
	travelled float64
}

func (n *navTo) Kind() tasks.Kind { return tasks.KindMoveTo }

func (n *navTo) Start() (bool, error) {
	p := n.p
	// Claim the pawn first so any earlier move aborts even when this one
	// finishes immediately. End releases the claim.
	p.move = n
	if p.Pos.Within(n.target, arriveEpsilon) {
		return true, nil
	}
	path, err := p.RequestNavigationPath(p.Pos, n.target)
	if err != nil {
		return false, err
	}
	n.path = path
	n.total = path.Length(p.Pos)
	return false, nil
}

func (n *navTo) Tick(dt time.Duration) (bool, error) {
	p := n.p
	if p.move != n {
		return false, ability.ErrMoveAborted
	}
	budget := p.w.cfg.MoveSpeed * dt.Seconds()
	for budget > 0 && len(n.path) > 0 {
		next := n.path[0]
		d := p.Pos.Dist(next)
		if d <= budget {
			p.Pos = next
			n.travelled += d
			budget -= d
			n.path = n.path[1:]
			continue
		}
		p.Pos = p.Pos.Add(next.Sub(p.Pos).Scale(budget / d))
		n.travelled += budget
		budget = 0
	}
	if len(n.path) > 0 {
		return false, nil
	}
	p.AddEvent(protocol.Event{
		"t":    p.w.tick.Load(),
		"type": protocol.EventMoveDone,
		"pos":  [2]float64{p.Pos.X, p.Pos.Y},
	})
	return true, nil
}

func (n *navTo) End(tasks.State) {
	if n.p.move == n {
		n.p.move = nil
	}
}

type navState struct {
	Path      [][2]float64 `json:"path,omitempty"`
	Total     float64      `json:"total"`
	Travelled float64      `json:"travelled"`
	Active    bool         `json:"active"`
}

func (n *navTo) SaveState() ([]byte, error) {
	st := navState{Total: n.total, Travelled: n.travelled, Active: n.p.move == n}
	for _, wp := range n.path {
		st.Path = append(st.Path, [2]float64{wp.X, wp.Y})
	}
	return json.Marshal(st)
}

// RestoreState puts a started move back; an active one reclaims the pawn.
func (n *navTo) RestoreState(b []byte) error {
	var st navState
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("move state: %w", err)
	}
	n.path = n.path[:0]
	for _, wp := range st.Path {
		n.path = append(n.path, navgrid.Vec2{X: wp[0], Y: wp[1]})
	}
	n.total, n.travelled = st.Total, st.Travelled
	if st.Active {
		n.p.move = n
	}
	return nil
}

func (n *navTo) Progress() float64 {
	if n.total <= 0 {
		return 0
	}
	f := n.travelled / n.total
	if f > 1 {
		return 1
	}
	return f
}
