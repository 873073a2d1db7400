package indexdb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/tuning"
)

type catalogRow struct {
	Name   string
	Digest string
	JSON   []byte
}

// catalogRows flattens the sealed ability store and the applied tuning into
// rows keyed by name: one per ability, one for the whole store and one for tuning.
func catalogRows(store *catalogs.AbilityStore, tune tuning.Tuning) []catalogRow {
	var rows []catalogRow
	if store != nil {
		defs := make([]catalogs.AbilityDef, 0, store.Len())
		for _, id := range store.IDs() {
			def, err := store.Lookup(id)
			if err != nil {
				continue
			}
			defs = append(defs, *def)
			if b, err := json.Marshal(def); err == nil {
				rows = append(rows, catalogRow{Name: "ability:" + id, Digest: digestOf(b), JSON: b})
			}
		}
		if b, err := json.Marshal(defs); err == nil {
			rows = append(rows, catalogRow{Name: "abilities", Digest: store.Digest(), JSON: b})
		}
	}
	if b, err := json.Marshal(tune); err == nil {
		rows = append(rows, catalogRow{Name: "tuning", Digest: digestOf(b), JSON: b})
	}
	return rows
}

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
