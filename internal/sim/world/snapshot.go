package world

import (
	"fmt"
	"time"

	"puppetmaster/internal/persistence/snapshot"
	"puppetmaster/internal/sim/ability"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tags"
	"puppetmaster/internal/sim/tasks"
)

func (w *World) exportSnapshot(nowTick uint64) (snapshot.SnapshotV1, error) {
	snap := snapshot.SnapshotV1{
		Header:             snapshot.Header{Version: snapshot.Version, WorldID: w.cfg.ID, Tick: nowTick},
		TickRate:           w.cfg.TickRateHz,
		SnapshotEveryTicks: w.cfg.SnapshotEveryTicks,
		EnergyRegenPerSec:  w.cfg.EnergyRegenPerSec,
		MoveSpeed:          w.cfg.MoveSpeed,
		GridCols:           w.cfg.GridCols,
		GridRows:           w.cfg.GridRows,
		CellSize:           w.cfg.CellSize,
		AbilityStore:       w.store.Digest(),
		Counters:           snapshot.CountersV1{NextAgent: w.nextAgentNum.Load()},
	}
	for _, c := range w.cfg.Blocked {
		snap.GridBlocked = append(snap.GridBlocked, [2]int{c.Col, c.Row})
	}
	snap.Agents = make([]snapshot.AgentV1, 0, len(w.agents))
	for _, id := range w.sortedAgentIDs() {
		p := w.agents[id]
		a := snapshot.AgentV1{
			ID:          p.ID,
			Name:        p.Name,
			ResumeToken: p.ResumeToken,
			Pos:         [2]float64{p.Pos.X, p.Pos.Y},
			Attributes:  p.attrs.Snapshot(),
		}
		for _, c := range p.ctl.BaseTags() {
			a.Tags = append(a.Tags, snapshot.TagCountV1{Tag: string(c.Tag), Count: c.N})
		}
		for _, cd := range p.ctl.Cooldowns() {
			a.Cooldowns = append(a.Cooldowns, snapshot.CooldownV1{AbilityID: cd.AbilityID, RemainingNS: int64(cd.Remaining)})
		}
		saved, err := p.ctl.Save()
		if err != nil {
			return snapshot.SnapshotV1{}, fmt.Errorf("snapshot agent %s: %w", p.ID, err)
		}
		a.Abilities = abilitiesV1(saved)
		snap.LiveInstances += len(saved.Instances)
		snap.Agents = append(snap.Agents, a)
	}
	return snap, nil
}

func abilitiesV1(s ability.SavedState) snapshot.AbilitiesV1 {
	out := snapshot.AbilitiesV1{LastHandle: uint64(s.LastHandle), LastTaskHandle: uint64(s.LastTaskHandle)}
	for _, si := range s.Instances {
		inst := snapshot.InstanceV1{
			Handle:    uint64(si.Handle),
			AbilityID: si.AbilityID,
			ElapsedNS: int64(si.Elapsed),
			Target:    pointV1(si.Target),
			FailErr:   si.FailErr,
		}
		for _, st := range si.Tasks {
			inst.Tasks = append(inst.Tasks, snapshot.TaskV1{
				Index:      st.Index,
				Handle:     uint64(st.Handle),
				State:      uint8(st.State),
				MoveTarget: pointV1(st.MoveTarget),
				Data:       st.Data,
			})
		}
		out.Instances = append(out.Instances, inst)
	}
	return out
}

func savedState(a snapshot.AbilitiesV1) ability.SavedState {
	out := ability.SavedState{LastHandle: ability.Handle(a.LastHandle), LastTaskHandle: tasks.Handle(a.LastTaskHandle)}
	for _, inst := range a.Instances {
		si := ability.SavedInstance{
			Handle:    ability.Handle(inst.Handle),
			AbilityID: inst.AbilityID,
			Elapsed:   time.Duration(inst.ElapsedNS),
			Target:    vec(inst.Target),
			FailErr:   inst.FailErr,
		}
		for _, t := range inst.Tasks {
			si.Tasks = append(si.Tasks, ability.SavedTask{
				Index:      t.Index,
				Handle:     tasks.Handle(t.Handle),
				State:      tasks.State(t.State),
				MoveTarget: vec(t.MoveTarget),
				Data:       t.Data,
			})
		}
		out.Instances = append(out.Instances, si)
	}
	return out
}

func pointV1(v *navgrid.Vec2) *[2]float64 {
	if v == nil {
		return nil
	}
	return &[2]float64{v.X, v.Y}
}

func (w *World) importSnapshotV1(s snapshot.SnapshotV1) error {
	if s.Header.Version != snapshot.Version {
		return fmt.Errorf("unsupported snapshot version: %d", s.Header.Version)
	}
	if s.AbilityStore != w.store.Digest() {
		return fmt.Errorf("snapshot ability catalog %q does not match loaded catalog %q", s.AbilityStore, w.store.Digest())
	}

	cfg := w.cfg
	cfg.ID = s.Header.WorldID
	cfg.TickRateHz = s.TickRate
	cfg.SnapshotEveryTicks = s.SnapshotEveryTicks
	cfg.EnergyRegenPerSec = s.EnergyRegenPerSec
	cfg.MoveSpeed = s.MoveSpeed
	cfg.GridCols, cfg.GridRows, cfg.CellSize = s.GridCols, s.GridRows, s.CellSize
	cfg.Blocked = nil
	for _, b := range s.GridBlocked {
		cfg.Blocked = append(cfg.Blocked, navgrid.Cell{Col: b[0], Row: b[1]})
	}
	cfg.applyDefaults()

	for _, p := range w.agents {
		p.ctl.Destroy()
	}
	w.cfg = cfg
	w.dt = time.Second / time.Duration(cfg.TickRateHz)
	w.grid = navgrid.New(cfg.GridCols, cfg.GridRows, cfg.CellSize, cfg.Blocked)
	w.agents = map[string]*Pawn{}
	w.clients = map[string]*clientState{}

	for _, a := range s.Agents {
		if a.ID == "" {
			return fmt.Errorf("snapshot agent without id")
		}
		p := w.newPawn(a.ID, a.Name, navgrid.Vec2{X: a.Pos[0], Y: a.Pos[1]})
		p.ResumeToken = a.ResumeToken
		p.attrs.Restore(a.Attributes)

		saved := make([]tags.Count, 0, len(a.Tags))
		for _, t := range a.Tags {
			saved = append(saved, tags.Count{Tag: tags.Normalize(t.Tag), N: t.Count})
		}
		p.ctl.RestoreTags(saved)

		cds := make([]ability.CooldownInfo, 0, len(a.Cooldowns))
		for _, cd := range a.Cooldowns {
			cds = append(cds, ability.CooldownInfo{AbilityID: cd.AbilityID, Remaining: time.Duration(cd.RemainingNS)})
		}
		p.ctl.RestoreCooldowns(cds)
		if err := p.ctl.Restore(savedState(a.Abilities)); err != nil {
			return fmt.Errorf("snapshot agent %s: %w", a.ID, err)
		}
		w.agents[a.ID] = p
	}

	w.nextAgentNum.Store(s.Counters.NextAgent)
	w.tick.Store(s.Header.Tick + 1)
	return nil
}
