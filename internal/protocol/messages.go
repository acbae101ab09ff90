package protocol

// Discrete action kinds carried by ActionMsg.
const (
	ActionBuyGenerator = "BUY_GENERATOR"
	ActionBuyUpgrade   = "BUY_UPGRADE"
	ActionPrestige     = "PRESTIGE"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string            `json:"type"`
	ProtocolVersion string            `json:"protocol_version"`
	PlayerName      string            `json:"player_name"`
	Capabilities    HelloCapabilities `json:"capabilities,omitempty"`
	Auth            *HelloAuth        `json:"auth,omitempty"`
}

type HelloCapabilities struct {
	MaxQueue int `json:"max_queue,omitempty"`
}

type HelloAuth struct {
	Token       string `json:"token,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	PlayerID        string `json:"player_id"`
	ResumeToken     string `json:"resume_token,omitempty"`
	ServerTime      int64  `json:"server_time,omitempty"`
}

// GameState is the full authoritative snapshot as sent on the wire.
type GameState struct {
	Essence             float64        `json:"essence"`
	LifetimeEssence     float64        `json:"lifetime_essence"`
	TotalClicks         uint64         `json:"total_clicks"`
	ProductionPerSecond float64        `json:"production_per_second"`
	ClickPower          float64        `json:"click_power"`
	CritChance          float64        `json:"crit_chance"`
	CritMultiplier      float64        `json:"crit_multiplier"`
	Generators          map[string]int `json:"generators"`
	Upgrades            []string       `json:"upgrades"`
}

// StatePatch is a sparse patch: nil fields are left untouched on apply.
// Generators merges per key; Upgrades is a union.
type StatePatch struct {
	Essence             *float64       `json:"essence,omitempty"`
	LifetimeEssence     *float64       `json:"lifetime_essence,omitempty"`
	TotalClicks         *uint64        `json:"total_clicks,omitempty"`
	ProductionPerSecond *float64       `json:"production_per_second,omitempty"`
	ClickPower          *float64       `json:"click_power,omitempty"`
	CritChance          *float64       `json:"crit_chance,omitempty"`
	CritMultiplier      *float64       `json:"crit_multiplier,omitempty"`
	Generators          map[string]int `json:"generators,omitempty"`
	Upgrades            []string       `json:"upgrades,omitempty"`
}

// TAP_BATCH (client -> server): one window's worth of taps.
type TapBatchMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Count           int      `json:"count"`
	ComboMultiplier float64  `json:"combo_multiplier"`
	ClientSeqs      []uint64 `json:"client_seqs"`
}

// ACTION (client -> server): a discrete non-tap intent.
type ActionMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Action          string `json:"action"`
	ClientSeq       uint64 `json:"client_seq"`
	GeneratorID     string `json:"generator_id,omitempty"`
	UpgradeID       string `json:"upgrade_id,omitempty"`
}

// SYNC_REQUEST (client -> server): ask for a fresh FULL_STATE.
type SyncRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// FULL_STATE (server -> client): absolute truth at this horizon.
type FullStateMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	State           GameState `json:"state"`
	Sequence        uint64    `json:"sequence"`
	ServerTimestamp int64     `json:"server_timestamp"`
}

// DELTA_STATE (server -> client): sparse patch, optionally confirming
// one outstanding client sequence number.
type DeltaStateMsg struct {
	Type               string     `json:"type"`
	ProtocolVersion    string     `json:"protocol_version"`
	Patch              StatePatch `json:"patch"`
	ConfirmedClientSeq *uint64    `json:"confirmed_client_seq,omitempty"`
	Sequence           uint64     `json:"sequence"`
}

// BATCH_CONFIRMED (server -> client): settles one or more tap batches.
type BatchConfirmedMsg struct {
	Type                string   `json:"type"`
	ProtocolVersion     string   `json:"protocol_version"`
	Essence             float64  `json:"essence"`
	LifetimeEssence     float64  `json:"lifetime_essence"`
	TotalClicks         uint64   `json:"total_clicks"`
	ConfirmedClientSeqs []uint64 `json:"confirmed_client_seqs"`
	Sequence            uint64   `json:"sequence"`
}

// ACTION_REJECTED (server -> client)
type ActionRejectedMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	ClientSeq       uint64      `json:"client_seq"`
	Reason          string      `json:"reason"`
	Message         string      `json:"message,omitempty"`
	CorrectState    *StatePatch `json:"correct_state,omitempty"`
}

// PING (server -> client) / PONG (client -> server)
type PingMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

type PongMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// GOODBYE (server -> client): explicit close. Retry=false means the
// client must not reconnect (ban, maintenance, superseded session).
type GoodbyeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Reason          string `json:"reason,omitempty"`
	Retry           bool   `json:"retry"`
}
