package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// World routing/state.
	ErrWorldBusy     = "E_WORLD_BUSY"
	ErrRateLimit     = "E_RATE_LIMIT"
	ErrAgentNotFound = "E_AGENT_NOT_FOUND"

	// Activation gating and ability execution.
	ErrBadRequest         = "E_BAD_REQUEST"
	ErrNotFound           = "E_NOT_FOUND"
	ErrBlocked            = "E_BLOCKED"
	ErrMissingRequirement = "E_MISSING_REQUIREMENT"
	ErrOnCooldown         = "E_ON_COOLDOWN"
	ErrNoResource         = "E_NO_RESOURCE"
	ErrUnreachable        = "E_UNREACHABLE"
	ErrTaskFailed         = "E_TASK_FAILED"
	ErrInternal           = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:    {},
	ErrWorldBusy:          {},
	ErrRateLimit:          {},
	ErrAgentNotFound:      {},
	ErrBadRequest:         {},
	ErrNotFound:           {},
	ErrBlocked:            {},
	ErrMissingRequirement: {},
	ErrOnCooldown:         {},
	ErrNoResource:         {},
	ErrUnreachable:        {},
	ErrTaskFailed:         {},
	ErrInternal:           {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
