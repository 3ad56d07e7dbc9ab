package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Engine event kinds.
const (
	KindMessageUpserted  = "message.upserted"
	KindMessageSendAck   = "message.send_ack"
	KindMessageSendFail  = "message.send_failed"
	KindMessageDropped   = "message.dropped"
	KindChatUpserted     = "chat.upserted"
	KindMembershipChange = "chat.membership_changed"
)
