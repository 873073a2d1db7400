package world

import (
	"context"
	"errors"
)

var (
	ErrNoSnapshotSink       = errors.New("snapshot sink not configured")
	ErrSnapshotBackpressure = errors.New("snapshot sink backpressure")
)

type adminSnapshotReq struct {
	Resp chan adminSnapshotResp
}

type adminSnapshotResp struct {
	Tick          uint64
	LiveInstances int
	Err           error
}

// RequestSnapshot asks the world loop to export the last completed tick to
// the snapshot sink. It returns the snapshot tick and how many live ability
// instances the snapshot leaves out.
func (w *World) RequestSnapshot(ctx context.Context) (tick uint64, liveInstances int, err error) {
	if w == nil || w.admin == nil {
		return 0, 0, errors.New("world not available")
	}
	resp := make(chan adminSnapshotResp, 1)

	select {
	case w.admin <- adminSnapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}

	select {
	case r := <-resp:
		return r.Tick, r.LiveInstances, r.Err
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
}

// handleAdminSnapshotRequests runs after a step, so every pending request
// shares one export of the tick that just finished.
func (w *World) handleAdminSnapshotRequests(reqs []adminSnapshotReq) {
	if len(reqs) == 0 {
		return
	}
	cur := w.tick.Load()
	snapTick := uint64(0)
	if cur > 0 {
		snapTick = cur - 1
	}

	resp := adminSnapshotResp{Tick: snapTick}
	if w.snapshotSink == nil {
		resp.Err = ErrNoSnapshotSink
	} else {
		snap, err := w.ExportSnapshot(snapTick)
		if err != nil {
			resp.Err = err
		} else {
			resp.LiveInstances = snap.LiveInstances
			select {
			case w.snapshotSink <- snap:
			default:
				resp.Err = ErrSnapshotBackpressure
			}
		}
	}

	for _, r := range reqs {
		if r.Resp == nil {
			continue
		}
		select {
		case r.Resp <- resp:
		default:
		}
	}
}
