package protocol

type ObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	AgentID         string `json:"agent_id"`

	Self      SelfObs       `json:"self"`
	Abilities []AbilityObs  `json:"abilities"`
	Cooldowns []CooldownObs `json:"cooldowns"`
	Events    []Event       `json:"events"`
}

type SelfObs struct {
	Pos        [2]float64         `json:"pos"`
	Attributes map[string]float64 `json:"attributes"`
	Tags       []string           `json:"tags"`
	Moving     bool               `json:"moving,omitempty"`
}

// AbilityObs is one live ability instance.
type AbilityObs struct {
	Handle    uint64    `json:"handle"`
	AbilityID string    `json:"ability_id"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Tasks     []TaskObs `json:"tasks"`
}

type TaskObs struct {
	Kind     string  `json:"kind"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
}

type CooldownObs struct {
	AbilityID   string `json:"ability_id"`
	RemainingMS int64  `json:"remaining_ms"`
}

type Event map[string]interface{}

// ACT (client -> server)
type ActMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Tick            uint64        `json:"tick"`
	AgentID         string        `json:"agent_id"`
	Activate        []ActivateReq `json:"activate,omitempty"`
	Cancel          []uint64      `json:"cancel,omitempty"`
	Input           []string      `json:"input,omitempty"`
	// Target is the pointer position that goes with Input (Confirm and
	// bound abilities).
	Target *[2]float64 `json:"target,omitempty"`
}

type ActivateReq struct {
	ID      string      `json:"id"`
	Ability string      `json:"ability"`
	Target  *[2]float64 `json:"target,omitempty"`
}
