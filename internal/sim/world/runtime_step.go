package world

import (
	"encoding/json"
	"time"

	"puppetmaster/internal/protocol"
)

func (w *World) stepInternal(joins []JoinRequest, leaves []string, actions []ActionEnvelope, activations []activateReq) {
	stepStart := time.Now()
	nowTick := w.tick.Load()

	// Apply leaves and joins deterministically at tick boundary. Pawns whose
	// detach grace ran out leave with them so replays see the removal.
	leaves = append(append([]string(nil), leaves...), w.expiredDetached(nowTick)...)
	recordedLeaves := make([]string, 0, len(leaves))
	for _, id := range leaves {
		if _, ok := w.agents[id]; ok {
			w.handleLeave(id)
			recordedLeaves = append(recordedLeaves, id)
		}
	}
	recordedJoins := make([]RecordedJoin, 0, len(joins))
	for _, req := range joins {
		resp := w.joinAgent(req.Name, req.Out)
		if req.Resp != nil {
			req.Resp <- resp
		}
		recordedJoins = append(recordedJoins, RecordedJoin{AgentID: resp.Welcome.AgentID, Name: req.Name})
	}

	// Apply actions in server_receive_order (the inbox order).
	recorded := make([]RecordedAction, 0, len(actions)+len(activations))
	perAgent := map[string]int{}
	for _, env := range actions {
		p := w.agents[env.AgentID]
		if p == nil {
			continue
		}
		if perAgent[env.AgentID] >= w.cfg.MaxActionsPerTick {
			w.rejections[protocol.ErrRateLimit]++
			continue
		}
		perAgent[env.AgentID]++
		env.Act.AgentID = env.AgentID // trust session identity
		recorded = append(recorded, RecordedAction{AgentID: env.AgentID, Act: env.Act})
		w.applyAct(p, env.Act, nowTick)
	}
	// Direct activation requests are recorded as ACT messages so replays see them.
	for _, req := range activations {
		recorded = w.handleActivateReq(req, nowTick, perAgent, recorded)
	}

	// Systems: energy regen, then ability controllers in agent id order.
	regen := w.cfg.EnergyRegenPerSec * w.dt.Seconds()
	for _, id := range w.sortedAgentIDs() {
		p := w.agents[id]
		p.regen(regen)
		p.ctl.Tick(w.dt)
	}

	// Build + send OBS for each agent.
	for id, p := range w.agents {
		cl := w.clients[id]
		if cl == nil {
			p.events = nil
			continue
		}
		obs := w.buildObs(p, nowTick)
		b, err := json.Marshal(obs)
		if err != nil {
			continue
		}
		sendLatest(cl.Out, b)
	}

	digest := w.stateDigest(nowTick)
	if w.tickLogger != nil {
		_ = w.tickLogger.WriteTick(TickLogEntry{Tick: nowTick, Joins: recordedJoins, Leaves: recordedLeaves, Actions: recorded, Digest: digest})
	}

	// Snapshot every N ticks, starting after tick 0.
	if w.snapshotSink != nil && nowTick != 0 && w.cfg.SnapshotEveryTicks > 0 {
		every := uint64(w.cfg.SnapshotEveryTicks)
		if nowTick%every == 0 {
			// A failed export or a backed-up sink drops this snapshot.
			if snap, err := w.ExportSnapshot(nowTick); err == nil {
				select {
				case w.snapshotSink <- snap:
				default:
				}
			}
		}
	}

	stepMS := float64(time.Since(stepStart).Microseconds()) / 1000.0
	nextTick := w.tick.Add(1)

	w.metrics.Store(w.collectMetrics(nextTick, stepMS))
}
