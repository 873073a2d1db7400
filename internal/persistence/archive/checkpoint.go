package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"puppetmaster/internal/persistence/snapshot"
)

// CheckpointMeta is written next to each archived snapshot.
type CheckpointMeta struct {
	Epoch         int    `json:"epoch"`
	EndTick       uint64 `json:"end_tick"`
	WorldID       string `json:"world_id"`
	TickRateHz    int    `json:"tick_rate_hz"`
	AbilityStore  string `json:"ability_store_digest"`
	Agents        int    `json:"agents"`
	LiveInstances int    `json:"live_instances,omitempty"`
	Snapshot      string `json:"snapshot"`
	CreatedAt     string `json:"created_at"`
}

// Dir is where checkpoint epoch n lives.
func Dir(worldDir string, epoch int) string {
	return filepath.Join(worldDir, "archives", fmt.Sprintf("epoch_%04d", epoch))
}

// ArchiveCheckpoint copies a snapshot taken on an everyTicks boundary into
// Dir(worldDir, epoch). Snapshots off the boundary are ignored.
func ArchiveCheckpoint(worldDir, snapshotPath string, snap snapshot.SnapshotV1, everyTicks int) (epoch int, archivedPath string, archived bool, err error) {
	if everyTicks <= 0 || snap.Header.Tick == 0 {
		return 0, "", false, nil
	}
	every := uint64(everyTicks)
	if snap.Header.Tick%every != 0 {
		return 0, "", false, nil
	}
	epoch = int(snap.Header.Tick / every)

	dir := Dir(worldDir, epoch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", false, err
	}
	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return 0, "", false, err
	}

	meta := CheckpointMeta{
		Epoch:         epoch,
		EndTick:       snap.Header.Tick,
		WorldID:       snap.Header.WorldID,
		TickRateHz:    snap.TickRate,
		AbilityStore:  snap.AbilityStore,
		Agents:        len(snap.Agents),
		LiveInstances: snap.LiveInstances,
		Snapshot:      filepath.Base(dst),
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return 0, "", false, err
	}
	if err := os.WriteFile(MetaPath(dir), append(b, '\n'), 0o644); err != nil {
		return 0, "", false, err
	}
	return epoch, dst, true, nil
}

func MetaPath(dir string) string { return filepath.Join(dir, "meta.json") }

// ReadMeta loads the meta.json of one checkpoint directory.
func ReadMeta(dir string) (CheckpointMeta, error) {
	var m CheckpointMeta
	b, err := os.ReadFile(MetaPath(dir))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
