package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
)

// stateDigest hashes everything that affects future ticks. Client
// connections, resume tokens and pending events are excluded.
func (w *World) stateDigest(nowTick uint64) string {
	h := sha256.New()
	var tmp [8]byte

	digestWriteU64(h, &tmp, nowTick)
	digestWriteU64(h, &tmp, uint64(w.cfg.TickRateHz))
	digestWriteU64(h, &tmp, w.nextAgentNum.Load())
	h.Write([]byte(w.store.Digest()))

	for _, id := range w.sortedAgentIDs() {
		w.digestPawn(h, &tmp, w.agents[id])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (w *World) digestPawn(h hashWriter, tmp *[8]byte, p *Pawn) {
	digestWriteString(h, tmp, p.ID)
	digestWriteString(h, tmp, p.Name)
	digestWriteF64(h, tmp, p.Pos.X)
	digestWriteF64(h, tmp, p.Pos.Y)

	vals := p.attrs.Snapshot()
	names := make([]string, 0, len(vals))
	for k := range vals {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		digestWriteString(h, tmp, k)
		digestWriteF64(h, tmp, vals[k])
	}

	for _, c := range p.ctl.Tags().Explicit() {
		digestWriteString(h, tmp, string(c.Tag))
		digestWriteU64(h, tmp, uint64(c.N))
	}
	for _, cd := range p.ctl.Cooldowns() {
		digestWriteString(h, tmp, cd.AbilityID)
		digestWriteI64(h, tmp, int64(cd.Remaining))
	}
	lastInst, lastTask := p.ctl.Counters()
	digestWriteU64(h, tmp, uint64(lastInst))
	digestWriteU64(h, tmp, uint64(lastTask))
	for _, inst := range p.ctl.Active() {
		digestWriteU64(h, tmp, uint64(inst.Handle))
		digestWriteString(h, tmp, inst.AbilityID)
		digestWriteI64(h, tmp, int64(inst.Elapsed))
		for _, ti := range inst.Tasks {
			digestWriteString(h, tmp, string(ti.Kind))
			h.Write([]byte{byte(ti.State)})
			digestWriteF64(h, tmp, ti.Progress)
		}
	}
	h.Write([]byte{boolByte(p.Moving())})
}

func digestWriteU64(h hashWriter, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func digestWriteI64(h hashWriter, tmp *[8]byte, v int64) {
	digestWriteU64(h, tmp, uint64(v))
}

func digestWriteF64(h hashWriter, tmp *[8]byte, v float64) {
	digestWriteU64(h, tmp, math.Float64bits(v))
}

// digestWriteString is length-prefixed so adjacent fields cannot collide.
func digestWriteString(h hashWriter, tmp *[8]byte, s string) {
	digestWriteU64(h, tmp, uint64(len(s)))
	h.Write([]byte(s))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

type hashWriter interface {
	Write(p []byte) (n int, err error)
}
