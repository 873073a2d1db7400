package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOverridesDefaults(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	body := `
tick_rate_hz: 10
grid:
  cols: 8
  rows: 4
  cell_size: 2
  blocked:
    - {col: 3, row: 1}
agent_defaults:
  attributes:
    health: 1
    max_health: 2
    energy: 50
    max_energy: 50
    vision_radius: 500
  move_speed: 6
  tags: [Team.Blue]
energy_regen_per_sec: 2.5
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tu, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tu.TickDuration() != 100*time.Millisecond {
		t.Fatalf("tick duration = %v", tu.TickDuration())
	}
	if tu.Grid.Cols != 8 || len(tu.Grid.Blocked) != 1 || tu.Grid.Blocked[0].Col != 3 {
		t.Fatalf("grid = %+v", tu.Grid)
	}
	if tu.Agent.Attributes.Energy != 50 || tu.Agent.MoveSpeed != 6 || tu.Agent.Tags[0] != "Team.Blue" {
		t.Fatalf("agent = %+v", tu.Agent)
	}
	if tu.SnapshotEveryTicks != 1200 {
		t.Fatalf("unset field should keep default, got %d", tu.SnapshotEveryTicks)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	_ = os.WriteFile(p, []byte("tick_rate_hz: 0\n"), 0o644)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for zero tick rate")
	}
}

func TestDefaultsValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestValidateArchiveCadence(t *testing.T) {
	tu := Defaults()
	tu.ArchiveEveryTicks = tu.SnapshotEveryTicks * 3
	if err := tu.Validate(); err != nil {
		t.Fatalf("multiple of snapshot cadence rejected: %v", err)
	}
	tu.ArchiveEveryTicks = tu.SnapshotEveryTicks + 1
	if err := tu.Validate(); err == nil {
		t.Fatalf("expected error for misaligned archive cadence")
	}
	tu.SnapshotEveryTicks = 0
	tu.ArchiveEveryTicks = 100
	if err := tu.Validate(); err == nil {
		t.Fatalf("expected error when snapshots are disabled")
	}
}

func TestValidateDetachGrace(t *testing.T) {
	tu := Defaults()
	tu.DetachGraceTicks = 0
	if err := tu.Validate(); err != nil {
		t.Fatalf("zero grace rejected: %v", err)
	}
	tu.DetachGraceTicks = -1
	if err := tu.Validate(); err == nil {
		t.Fatalf("expected error for negative detach grace")
	}
}
