package main

import (
	"fmt"
	"strings"

	"puppetmaster/internal/protocol"
)

type step struct {
	Input   string
	Ability string
}

func parseScript(s string) []step {
	var out []step
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case strings.HasPrefix(part, "@"):
			if id := strings.TrimPrefix(part, "@"); id != "" {
				out = append(out, step{Ability: id})
			}
		default:
			out = append(out, step{Input: part})
		}
	}
	return out
}

// bot walks its script in a loop, one step per period.
type bot struct {
	steps []step
	every uint64
	n     int
	last  uint64
	sent  bool
}

func (b *bot) next(obs *protocol.ObsMsg) (protocol.ActMsg, bool) {
	if len(b.steps) == 0 || b.every == 0 {
		return protocol.ActMsg{}, false
	}
	if b.sent && obs.Tick < b.last+b.every {
		return protocol.ActMsg{}, false
	}
	s := b.steps[b.n%len(b.steps)]
	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            obs.Tick,
		AgentID:         obs.AgentID,
	}
	if s.Ability != "" {
		act.Activate = []protocol.ActivateReq{{ID: fmt.Sprintf("K_%d", b.n), Ability: s.Ability}}
	} else {
		act.Input = []string{s.Input}
	}
	b.n++
	b.last = obs.Tick
	b.sent = true
	return act, true
}
