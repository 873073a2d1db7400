package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeObs     = "OBS"
	TypeAct     = "ACT"
)

// Event types carried in OBS.events.
const (
	EventActionResult     = "ACTION_RESULT"
	EventAbilityActivated = "ABILITY_ACTIVATED"
	EventAbilityEnded     = "ABILITY_ENDED"
	EventAbilityCancelled = "ABILITY_CANCELLED"
	EventAbilityFailed    = "ABILITY_FAILED"
	EventTaskFailed       = "TASK_FAILED"
	EventEffect           = "EFFECT"
	EventAttribute        = "ATTRIBUTE_CHANGED"
	EventMoveDone         = "MOVE_DONE"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
