package world

import (
	"puppetmaster/internal/protocol"
)

func (w *World) buildObs(p *Pawn, nowTick uint64) protocol.ObsMsg {
	obs := protocol.ObsMsg{
		Type:            protocol.TypeObs,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		AgentID:         p.ID,
		Self: protocol.SelfObs{
			Pos:        [2]float64{p.Pos.X, p.Pos.Y},
			Attributes: p.attrs.Snapshot(),
			Tags:       p.ctl.Tags().Names(),
			Moving:     p.Moving(),
		},
		Events: p.takeEvents(),
	}
	if obs.Events == nil {
		obs.Events = []protocol.Event{}
	}
	obs.Abilities = abilityObs(p)
	obs.Cooldowns = cooldownObs(p)
	return obs
}

func abilityObs(p *Pawn) []protocol.AbilityObs {
	out := []protocol.AbilityObs{}
	for _, inst := range p.ctl.Active() {
		ao := protocol.AbilityObs{
			Handle:    uint64(inst.Handle),
			AbilityID: inst.AbilityID,
			ElapsedMS: inst.Elapsed.Milliseconds(),
			Tasks:     make([]protocol.TaskObs, 0, len(inst.Tasks)),
		}
		for _, ti := range inst.Tasks {
			ao.Tasks = append(ao.Tasks, protocol.TaskObs{
				Kind:     string(ti.Kind),
				State:    ti.State.String(),
				Progress: ti.Progress,
			})
		}
		out = append(out, ao)
	}
	return out
}

func cooldownObs(p *Pawn) []protocol.CooldownObs {
	out := []protocol.CooldownObs{}
	for _, cd := range p.ctl.Cooldowns() {
		out = append(out, protocol.CooldownObs{
			AbilityID:   cd.AbilityID,
			RemainingMS: cd.Remaining.Milliseconds(),
		})
	}
	return out
}
