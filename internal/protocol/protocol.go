package protocol

import "encoding/json"

const Version = "1.2"

// Message types.
const (
	TypeHello          = "HELLO"
	TypeWelcome        = "WELCOME"
	TypeTapBatch       = "TAP_BATCH"
	TypeAction         = "ACTION"
	TypeSyncRequest    = "SYNC_REQUEST"
	TypeFullState      = "FULL_STATE"
	TypeDeltaState     = "DELTA_STATE"
	TypeBatchConfirmed = "BATCH_CONFIRMED"
	TypeActionRejected = "ACTION_REJECTED"
	TypePing           = "PING"
	TypePong           = "PONG"
	TypeGoodbye        = "GOODBYE"
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
