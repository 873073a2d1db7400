package main

import (
	"errors"
	"fmt"

	persistlog "puppetmaster/internal/persistence/log"
	"puppetmaster/internal/sim/world"
)

var errStop = errors.New("stop")

type replayResult struct {
	Stepped uint64
	Checked uint64
}

// replayTicks feeds logged inputs back through StepOnce and compares every
// resulting digest at or after verifyFrom. Entries before the world's
// current tick are skipped so a snapshot can seed the run.
func replayTicks(w *world.World, dir string, verifyFrom, toTick uint64) (replayResult, error) {
	var res replayResult
	startTick := w.CurrentTick()
	if verifyFrom < startTick {
		verifyFrom = startTick
	}

	err := persistlog.ReadTicks(dir, func(entry world.TickLogEntry) error {
		if entry.Tick < startTick {
			return nil
		}
		if toTick != 0 && entry.Tick > toTick {
			return errStop
		}
		if entry.Tick != w.CurrentTick() {
			return fmt.Errorf("tick gap: want=%d got=%d", w.CurrentTick(), entry.Tick)
		}

		joins := make([]world.JoinRequest, 0, len(entry.Joins))
		for _, j := range entry.Joins {
			joins = append(joins, world.JoinRequest{Name: j.Name})
		}
		acts := make([]world.ActionEnvelope, 0, len(entry.Actions))
		for _, ra := range entry.Actions {
			acts = append(acts, world.ActionEnvelope{AgentID: ra.AgentID, Act: ra.Act})
		}

		tick, digest := w.StepOnce(joins, entry.Leaves, acts)
		if tick != entry.Tick {
			return fmt.Errorf("internal tick mismatch: stepped=%d entry=%d", tick, entry.Tick)
		}
		res.Stepped++
		if tick >= verifyFrom {
			res.Checked++
			if digest != entry.Digest {
				return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", tick, digest, entry.Digest)
			}
		}
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return res, err
}
