package world

import "puppetmaster/internal/protocol"

type JoinRequest struct {
	Name string
	Out  chan []byte
	Resp chan JoinResponse
}

// AttachRequest rebinds an existing pawn to a new connection.
type AttachRequest struct {
	ResumeToken string
	Out         chan []byte
	Resp        chan JoinResponse
}

// DetachRequest reports that the connection feeding Out has closed. It is
// ignored when another connection has attached to the pawn since.
type DetachRequest struct {
	AgentID string
	Out     chan []byte
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
}

type ActionEnvelope struct {
	AgentID string
	Act     protocol.ActMsg
}

type RecordedJoin struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
}

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type TickLogEntry struct {
	Tick    uint64           `json:"tick"`
	Joins   []RecordedJoin   `json:"joins,omitempty"`
	Leaves  []string         `json:"leaves,omitempty"`
	Actions []RecordedAction `json:"actions,omitempty"`
	Digest  string           `json:"digest"`
}

type RecordedAction struct {
	AgentID string          `json:"agent_id"`
	Act     protocol.ActMsg `json:"act"`
}

// AuditEntry records one ability lifecycle change or activation attempt.
type AuditEntry struct {
	Tick      uint64         `json:"tick"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"` // e.g. "ACTIVATE", "ABILITY_ENDED"
	AbilityID string         `json:"ability_id,omitempty"`
	Handle    uint64         `json:"handle,omitempty"`
	Code      string         `json:"code,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
