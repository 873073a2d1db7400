package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 captures a world between ticks: pawns with their base tags,
// cooldowns and attributes, plus the ability instances still running and
// the counters that hand out their handles.
type SnapshotV1 struct {
	Header Header `json:"header"`

	TickRate           int     `json:"tick_rate_hz"`
	SnapshotEveryTicks int     `json:"snapshot_every_ticks,omitempty"`
	EnergyRegenPerSec  float64 `json:"energy_regen_per_sec,omitempty"`
	MoveSpeed          float64 `json:"move_speed"`

	GridCols     int      `json:"grid_cols"`
	GridRows     int      `json:"grid_rows"`
	CellSize     float64  `json:"cell_size"`
	GridBlocked  [][2]int `json:"grid_blocked,omitempty"`
	AbilityStore string   `json:"ability_store_digest"`

	Agents []AgentV1 `json:"agents"`
	// LiveInstances counts ability instances that were running at export.
	LiveInstances int `json:"live_instances,omitempty"`

	Counters CountersV1 `json:"counters"`
}

type CountersV1 struct {
	NextAgent uint64 `json:"next_agent"`
}

type AgentV1 struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ResumeToken string     `json:"resume_token,omitempty"`
	Pos         [2]float64 `json:"pos"`

	Attributes map[string]float64 `json:"attributes"`
	Tags       []TagCountV1       `json:"tags,omitempty"`
	Cooldowns  []CooldownV1       `json:"cooldowns,omitempty"`
	Abilities  AbilitiesV1        `json:"abilities"`
}

type AbilitiesV1 struct {
	LastHandle     uint64       `json:"last_handle"`
	LastTaskHandle uint64       `json:"last_task_handle"`
	Instances      []InstanceV1 `json:"instances,omitempty"`
}

type InstanceV1 struct {
	Handle    uint64      `json:"handle"`
	AbilityID string      `json:"ability_id"`
	ElapsedNS int64       `json:"elapsed_ns"`
	Target    *[2]float64 `json:"target,omitempty"`
	FailErr   string      `json:"fail_err,omitempty"`
	Tasks     []TaskV1    `json:"tasks,omitempty"`
}

// TaskV1 is an unfinished task. Index is its position in the ability's
// task list and Data the task's own saved progress.
type TaskV1 struct {
	Index      int         `json:"index"`
	Handle     uint64      `json:"handle"`
	State      uint8       `json:"state"`
	MoveTarget *[2]float64 `json:"move_target,omitempty"`
	Data       []byte      `json:"data,omitempty"`
}

type TagCountV1 struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

type CooldownV1 struct {
	AbilityID   string `json:"ability_id"`
	RemainingNS int64  `json:"remaining_ns"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 256*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader reads only the plain JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Path returns the conventional file name for a snapshot at tick.
func Path(worldDir string, tick uint64) string {
	return filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", tick))
}
