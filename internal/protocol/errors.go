package protocol

// Rejection reason codes (ACTION_REJECTED.reason).
const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Action layer.
	ErrNoEssence        = "E_NO_ESSENCE"
	ErrUnknownGenerator = "E_UNKNOWN_GENERATOR"
	ErrUnknownUpgrade   = "E_UNKNOWN_UPGRADE"
	ErrAlreadyOwned     = "E_ALREADY_OWNED"
	ErrPrestigeLocked   = "E_PRESTIGE_LOCKED"
	ErrRateLimit        = "E_RATE_LIMIT"
	ErrStaleSeq         = "E_STALE_SEQ"
	ErrInternal         = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrNoEssence:        {},
	ErrUnknownGenerator: {},
	ErrUnknownUpgrade:   {},
	ErrAlreadyOwned:     {},
	ErrPrestigeLocked:   {},
	ErrRateLimit:        {},
	ErrStaleSeq:         {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
