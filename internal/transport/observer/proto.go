package observer

import "puppetmaster/internal/sim/world"

// Version is the observer protocol version (separate from the agent WS protocol).
const Version = "0.1"

// SubscribeMsg is the first client message and may be re-sent to change
// the focus or rate.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// AgentID limits frames to one pawn; empty means every pawn.
	AgentID    string `json:"agent_id,omitempty"`
	IntervalMS int    `json:"interval_ms,omitempty"`
}

// BootstrapResponse is served by GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	WorldID         string   `json:"world_id"`
	Tick            uint64   `json:"tick"`
	TickRateHz      int      `json:"tick_rate_hz"`
	GridCols        int      `json:"grid_cols"`
	GridRows        int      `json:"grid_rows"`
	CellSize        float64  `json:"cell_size"`
	Blocked         [][2]int `json:"blocked"`
	Abilities       []string `json:"abilities"`
}

// StateMsg is pushed to subscribers at the requested interval.
type StateMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	State           world.StateView    `json:"state"`
	Metrics         world.WorldMetrics `json:"metrics"`
}
