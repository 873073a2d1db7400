package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"puppetmaster/internal/sim/attributes"
	"puppetmaster/internal/sim/navgrid"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz         int `yaml:"tick_rate_hz"`
	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	// ArchiveEveryTicks keeps every Nth snapshot as a checkpoint; 0 disables.
	ArchiveEveryTicks int `yaml:"archive_every_ticks"`
	// DetachGraceTicks keeps a disconnected pawn alive for reattach.
	DetachGraceTicks int `yaml:"detach_grace_ticks"`

	Grid  Grid  `yaml:"grid"`
	Agent Agent `yaml:"agent_defaults"`

	// EnergyRegenPerSec is added to every agent's Energy each second.
	EnergyRegenPerSec float64 `yaml:"energy_regen_per_sec"`
	MaxActionsPerTick int     `yaml:"max_actions_per_tick"`
}

type Grid struct {
	Cols     int            `yaml:"cols"`
	Rows     int            `yaml:"rows"`
	CellSize float64        `yaml:"cell_size"`
	Blocked  []navgrid.Cell `yaml:"blocked"`
}

type Agent struct {
	Attributes attributes.Defaults `yaml:"attributes"`
	MoveSpeed  float64             `yaml:"move_speed"` // world units per second
	Spawn      [2]float64          `yaml:"spawn"`
	Tags       []string            `yaml:"tags"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:    "1.0",
		TickRateHz:         20,
		SnapshotEveryTicks: 1200,
		DetachGraceTicks:   600,
		Grid:               Grid{Cols: 32, Rows: 32, CellSize: 1},
		Agent: Agent{
			Attributes: attributes.DefaultValues(),
			MoveSpeed:  4,
			Spawn:      [2]float64{0.5, 0.5},
		},
		MaxActionsPerTick: 16,
	}
}

// TickDuration is the simulated time that passes per tick.
func (t Tuning) TickDuration() time.Duration {
	hz := t.TickRateHz
	if hz <= 0 {
		hz = 20
	}
	return time.Second / time.Duration(hz)
}

// Load reads a YAML file on top of Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.TickRateHz <= 0 || t.TickRateHz > 1000:
		return fmt.Errorf("tick_rate_hz out of range: %d", t.TickRateHz)
	case t.Grid.Cols <= 0 || t.Grid.Rows <= 0 || t.Grid.CellSize <= 0:
		return fmt.Errorf("grid must have positive cols, rows and cell_size")
	case t.Agent.MoveSpeed <= 0:
		return fmt.Errorf("agent_defaults.move_speed must be positive")
	case t.EnergyRegenPerSec < 0:
		return fmt.Errorf("energy_regen_per_sec must not be negative")
	case t.SnapshotEveryTicks < 0:
		return fmt.Errorf("snapshot_every_ticks must not be negative")
	case t.DetachGraceTicks < 0:
		return fmt.Errorf("detach_grace_ticks must not be negative")
	case t.ArchiveEveryTicks < 0:
		return fmt.Errorf("archive_every_ticks must not be negative")
	case t.ArchiveEveryTicks > 0 && (t.SnapshotEveryTicks == 0 || t.ArchiveEveryTicks%t.SnapshotEveryTicks != 0):
		return fmt.Errorf("archive_every_ticks must be a multiple of snapshot_every_ticks")
	}
	return nil
}
