package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"puppetmaster/internal/protocol"
)

const ledgerVersion = 1

// pawnRecord is what the bridge remembers about one caller's pawn: how to
// reattach to it and which activation refs still name live instances.
type pawnRecord struct {
	AgentID       string            `json:"agent_id,omitempty"`
	ResumeToken   string            `json:"resume_token,omitempty"`
	AbilityDigest string            `json:"ability_digest,omitempty"`
	Handles       map[string]uint64 `json:"handles,omitempty"`
	LastConnected time.Time         `json:"last_connected_at"`
}

type ledgerFile struct {
	Version int                    `json:"version"`
	Pawns   map[string]*pawnRecord `json:"pawns"`
}

// ledger maps caller keys to pawn records and mirrors them to a JSON file.
// Callers serialize access.
type ledger struct {
	path  string
	pawns map[string]*pawnRecord
}

func openLedger(path string) (*ledger, error) {
	l := &ledger{path: path, pawns: map[string]*pawnRecord{}}
	if path == "" {
		return l, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	var f ledgerFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	if f.Version != ledgerVersion {
		return nil, fmt.Errorf("ledger %s: unsupported version %d", path, f.Version)
	}
	for k, r := range f.Pawns {
		if r != nil {
			l.pawns[k] = r
		}
	}
	return l, nil
}

func (l *ledger) get(key string) pawnRecord {
	r := l.pawns[key]
	if r == nil {
		return pawnRecord{}
	}
	out := *r
	out.Handles = make(map[string]uint64, len(r.Handles))
	for ref, h := range r.Handles {
		out.Handles[ref] = h
	}
	return out
}

func (l *ledger) record(key string) *pawnRecord {
	r := l.pawns[key]
	if r == nil {
		r = &pawnRecord{}
		l.pawns[key] = r
	}
	return r
}

// welcome stores the identity from a WELCOME. Refs are forgotten when the
// world handed out a different pawn or a different ability catalog.
func (l *ledger) welcome(key string, w protocol.WelcomeMsg, at time.Time) {
	r := l.record(key)
	if r.AgentID != w.AgentID || r.AbilityDigest != w.Catalogs.Abilities.Digest {
		r.Handles = nil
	}
	r.AgentID = w.AgentID
	r.ResumeToken = w.ResumeToken
	r.AbilityDigest = w.Catalogs.Abilities.Digest
	r.LastConnected = at.UTC()
}

// observe applies OBS events: successful activations bind their ref to the
// new handle, and terminal lifecycle events release it. It reports whether
// anything changed.
func (l *ledger) observe(key string, events []protocol.Event) bool {
	changed := false
	for _, e := range events {
		h, ok := eventHandle(e)
		if !ok {
			continue
		}
		typ, _ := e["type"].(string)
		switch typ {
		case protocol.EventActionResult:
			ref, _ := e["ref"].(string)
			_, activation := e["ability"]
			if okv, _ := e["ok"].(bool); !okv || ref == "" || !activation {
				continue
			}
			r := l.record(key)
			if r.Handles == nil {
				r.Handles = map[string]uint64{}
			}
			r.Handles[ref] = h
			changed = true
		case protocol.EventAbilityEnded, protocol.EventAbilityCancelled, protocol.EventAbilityFailed:
			r := l.pawns[key]
			if r == nil {
				continue
			}
			for ref, live := range r.Handles {
				if live == h {
					delete(r.Handles, ref)
					changed = true
				}
			}
		}
	}
	return changed
}

// resolve maps refs to the handles they were activated with.
func (l *ledger) resolve(key string, refs []string) ([]uint64, error) {
	r := l.pawns[key]
	out := make([]uint64, 0, len(refs))
	for _, ref := range refs {
		var h uint64
		if r != nil {
			h = r.Handles[ref]
		}
		if h == 0 {
			return nil, fmt.Errorf("cancel_refs: no live instance for ref %q", ref)
		}
		out = append(out, h)
	}
	return out, nil
}

// flush writes the ledger through a temp file in the same directory so a
// crash leaves either the old or the new content.
func (l *ledger) flush() error {
	if l.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(ledgerFile{Version: ledgerVersion, Pawns: l.pawns}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}

func eventHandle(e protocol.Event) (uint64, bool) {
	switch v := e["handle"].(type) {
	case float64:
		return uint64(v), v > 0
	case uint64:
		return v, v > 0
	case json.Number:
		n, err := v.Int64()
		return uint64(n), err == nil && n > 0
	}
	return 0, false
}
