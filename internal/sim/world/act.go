package world

import (
	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/ability"
	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/navgrid"
)

// applyAct applies one ACT message. Cancels run first, then inputs, then
// activations, each in message order.
func (w *World) applyAct(p *Pawn, act protocol.ActMsg, nowTick uint64) {
	for _, h := range act.Cancel {
		ok := p.ctl.Cancel(ability.Handle(h))
		p.AddEvent(protocol.Event{
			"t":      nowTick,
			"type":   protocol.EventActionResult,
			"ref":    "cancel",
			"handle": h,
			"ok":     ok,
		})
		if ok {
			w.audit(AuditEntry{Tick: nowTick, Actor: p.ID, Action: "CANCEL", Handle: h})
		}
	}

	for _, raw := range act.Input {
		b := catalogs.InputBinding(raw)
		if !b.Known() {
			w.actionResult(p, nowTick, raw, "", 0, protocol.ErrBadRequest, "unknown input binding")
			continue
		}
		var abilityID string
		if b.Bindable() {
			abilityID, _ = w.store.ByInput(b)
		}
		h, err := p.ctl.InputAt(b, vec(act.Target))
		if !b.Bindable() {
			code, msg := "", ""
			if err != nil {
				code, msg = ability.Code(err), err.Error()
				w.rejections[code]++
			}
			w.actionResult(p, nowTick, raw, "", 0, code, msg)
			continue
		}
		w.recordActivation(p, nowTick, raw, abilityID, uint64(h), err)
	}

	for _, req := range act.Activate {
		if req.Ability == "" {
			w.actionResult(p, nowTick, req.ID, "", 0, protocol.ErrBadRequest, "missing ability")
			continue
		}
		h, err := p.ctl.TryActivateAt(req.Ability, vec(req.Target))
		w.recordActivation(p, nowTick, req.ID, req.Ability, uint64(h), err)
	}
}

func vec(p *[2]float64) *navgrid.Vec2 {
	if p == nil {
		return nil
	}
	return &navgrid.Vec2{X: p[0], Y: p[1]}
}

// recordActivation reports an activation attempt to the pawn and the audit log.
func (w *World) recordActivation(p *Pawn, nowTick uint64, ref, abilityID string, h uint64, err error) {
	code, msg := "", ""
	if err != nil {
		code, msg = ability.Code(err), err.Error()
		w.rejections[code]++
	}
	w.actionResult(p, nowTick, ref, abilityID, h, code, msg)

	entry := AuditEntry{Tick: nowTick, Actor: p.ID, Action: "ACTIVATE", AbilityID: abilityID, Handle: h, Code: code, Reason: msg}
	if ref != "" {
		entry.Details = map[string]any{"ref": ref}
	}
	w.audit(entry)
}

func (w *World) actionResult(p *Pawn, nowTick uint64, ref, abilityID string, h uint64, code, msg string) {
	e := protocol.Event{
		"t":    nowTick,
		"type": protocol.EventActionResult,
		"ok":   code == "",
	}
	if ref != "" {
		e["ref"] = ref
	}
	if abilityID != "" {
		e["ability"] = abilityID
	}
	if h != 0 {
		e["handle"] = h
	}
	if code != "" {
		e["code"] = code
		e["message"] = msg
	}
	p.AddEvent(e)
}

func (w *World) audit(e AuditEntry) {
	if w.auditLogger == nil {
		return
	}
	_ = w.auditLogger.WriteAudit(e)
}
