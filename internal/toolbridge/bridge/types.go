package bridge

import (
	"encoding/json"

	"puppetmaster/internal/protocol"
)

// Status is returned by puppetmaster.get_status.
type Status struct {
	Connected     bool   `json:"connected"`
	Paused        bool   `json:"paused,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
	ResumeToken   string `json:"resume_token,omitempty"`
	WorldWSURL    string `json:"world_ws_url"`
	LastObsTick   uint64 `json:"last_obs_tick"`
	TickRateHz    int    `json:"tick_rate_hz,omitempty"`
	AbilityDigest string `json:"ability_digest,omitempty"`
	AbilityCount  int    `json:"ability_count,omitempty"`
	EventCursor   uint64 `json:"event_cursor"`
	LastError     string `json:"last_error,omitempty"`

	// Handles maps activation refs to the live instances they started.
	Handles map[string]uint64 `json:"handles,omitempty"`
}

type GetObsMode string

const (
	ObsModeFull    GetObsMode = "full"
	ObsModeSummary GetObsMode = "summary"
)

type GetObsOpts struct {
	Mode        GetObsMode `json:"mode"`
	WaitNewTick bool       `json:"wait_new_tick"`
	TimeoutMS   int        `json:"timeout_ms"`
}

type ObsResult struct {
	Tick    uint64          `json:"tick"`
	AgentID string          `json:"agent_id"`
	Obs     json.RawMessage `json:"obs"`
}

// EventRecord is one OBS event tagged with a monotonically increasing cursor.
type EventRecord struct {
	Cursor uint64         `json:"cursor"`
	Tick   uint64         `json:"tick"`
	Event  protocol.Event `json:"event"`
}

type GetEventsResult struct {
	Events     []EventRecord `json:"events"`
	NextCursor uint64        `json:"next_cursor"`
	Dropped    bool          `json:"dropped,omitempty"`
}

// ActArgs mirrors the ACT body minus the fields the bridge fills in.
// CancelRefs names instances by the ref they were activated with.
type ActArgs struct {
	Activate   []protocol.ActivateReq `json:"activate,omitempty"`
	Input      []string               `json:"input,omitempty"`
	Target     *[2]float64            `json:"target,omitempty"`
	Cancel     []uint64               `json:"cancel,omitempty"`
	CancelRefs []string               `json:"cancel_refs,omitempty"`
}

type ActResult struct {
	Sent     bool     `json:"sent"`
	TickUsed uint64   `json:"tick_used"`
	AgentID  string   `json:"agent_id"`
	Refs     []string `json:"refs,omitempty"`
}
