package world

import (
	"errors"
	"sync/atomic"
	"time"

	"puppetmaster/internal/persistence/snapshot"
	"puppetmaster/internal/sim/attributes"
	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tuning"
)

type WorldConfig struct {
	ID         string
	TickRateHz int

	// Operational parameters. These are included in snapshots for deterministic replay/resume.
	SnapshotEveryTicks int
	EnergyRegenPerSec  float64
	// MaxActionsPerTick caps ACT messages applied per agent per tick; extra ones are dropped.
	MaxActionsPerTick int
	// DetachGraceTicks is how long a pawn outlives its closed connection
	// before it is removed. Not part of snapshots or the digest.
	DetachGraceTicks int

	GridCols int
	GridRows int
	CellSize float64
	Blocked  []navgrid.Cell

	// Pawn defaults applied at join.
	MoveSpeed  float64
	Spawn      [2]float64
	Attributes attributes.Defaults
	StartTags  []string
}

// ConfigFromTuning maps tuning.yaml onto a world config.
func ConfigFromTuning(id string, t tuning.Tuning) WorldConfig {
	return WorldConfig{
		ID:                 id,
		TickRateHz:         t.TickRateHz,
		SnapshotEveryTicks: t.SnapshotEveryTicks,
		EnergyRegenPerSec:  t.EnergyRegenPerSec,
		MaxActionsPerTick:  t.MaxActionsPerTick,
		DetachGraceTicks:   t.DetachGraceTicks,
		GridCols:           t.Grid.Cols,
		GridRows:           t.Grid.Rows,
		CellSize:           t.Grid.CellSize,
		Blocked:            append([]navgrid.Cell(nil), t.Grid.Blocked...),
		MoveSpeed:          t.Agent.MoveSpeed,
		Spawn:              t.Agent.Spawn,
		Attributes:         t.Agent.Attributes,
		StartTags:          append([]string(nil), t.Agent.Tags...),
	}
}

func (c *WorldConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = "world_1"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.SnapshotEveryTicks < 0 {
		c.SnapshotEveryTicks = 0
	}
	if c.MaxActionsPerTick <= 0 {
		c.MaxActionsPerTick = 16
	}
	if c.DetachGraceTicks < 0 {
		c.DetachGraceTicks = 0
	}
	if c.GridCols <= 0 {
		c.GridCols = 32
	}
	if c.GridRows <= 0 {
		c.GridRows = 32
	}
	if c.CellSize <= 0 {
		c.CellSize = 1
	}
	if c.MoveSpeed <= 0 {
		c.MoveSpeed = 4
	}
	if c.Attributes.MaxHealth <= 0 && c.Attributes.MaxEnergy <= 0 {
		c.Attributes = attributes.DefaultValues()
	}
}

// World is a single-threaded authoritative simulation.
// All state must be accessed only from the world loop goroutine.
type World struct {
	cfg   WorldConfig
	store *catalogs.AbilityStore
	grid  *navgrid.Grid
	dt    time.Duration

	tick    atomic.Uint64
	metrics atomic.Value

	agents  map[string]*Pawn
	clients map[string]*clientState

	inbox    chan ActionEnvelope
	join     chan JoinRequest
	attach   chan AttachRequest
	leave    chan string
	detach   chan DetachRequest
	admin    chan adminSnapshotReq
	activate chan activateReq
	stateReq chan stateReq
	stop     chan struct{}

	nextAgentNum atomic.Uint64

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	tickLogger  TickLogger
	auditLogger AuditLogger

	// Optional snapshot sink (may be nil). Snapshot writing should be off-thread.
	snapshotSink chan<- snapshot.SnapshotV1

	// Counters for metrics; not part of the digest.
	activations uint64
	rejections  map[string]uint64
}

type clientState struct {
	Out chan []byte
}

// New builds an empty world. store must be sealed.
func New(cfg WorldConfig, store *catalogs.AbilityStore) (*World, error) {
	if store == nil || !store.Sealed() {
		return nil, errors.New("world: ability store must be loaded and sealed")
	}
	cfg.applyDefaults()
	w := &World{
		cfg:        cfg,
		store:      store,
		grid:       navgrid.New(cfg.GridCols, cfg.GridRows, cfg.CellSize, cfg.Blocked),
		dt:         time.Second / time.Duration(cfg.TickRateHz),
		agents:     map[string]*Pawn{},
		clients:    map[string]*clientState{},
		inbox:      make(chan ActionEnvelope, 1024),
		join:       make(chan JoinRequest, 64),
		attach:     make(chan AttachRequest, 64),
		leave:      make(chan string, 64),
		detach:     make(chan DetachRequest, 64),
		admin:      make(chan adminSnapshotReq, 16),
		activate:   make(chan activateReq, 256),
		stateReq:   make(chan stateReq, 16),
		stop:       make(chan struct{}),
		rejections: map[string]uint64{},
	}
	w.metrics.Store(WorldMetrics{})
	return w, nil
}

func (w *World) ID() string {
	if w == nil {
		return ""
	}
	return w.cfg.ID
}

func (w *World) TickRateHz() int {
	if w == nil {
		return 0
	}
	return w.cfg.TickRateHz
}

// TickDuration is the simulated time per tick.
func (w *World) TickDuration() time.Duration { return w.dt }

func (w *World) Grid() *navgrid.Grid { return w.grid }

// Config returns the active configuration. ImportSnapshot may replace it, so
// read it after any import.
func (w *World) Config() WorldConfig { return w.cfg }

func (w *World) Store() *catalogs.AbilityStore { return w.store }
