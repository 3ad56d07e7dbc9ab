package model

import "time"

// MessageTTL is how long a message lives at the remote store before it expires.
const MessageTTL = 7 * 24 * time.Hour

// Role is a participant's role inside a chat.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeFile  MessageType = "file"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
	TypeVideo MessageType = "video"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeFile, TypeImage, TypeAudio, TypeVideo:
		return true
	}
	return false
}

// Identity is a registered device identity.
type Identity struct {
	ID        string
	ShortID   int64
	PublicKey []byte
}

// Participant is a membership row of a chat.
type Participant struct {
	ChatID     string     `json:"chat_id"`
	IdentityID string     `json:"identity_id"`
	Role       Role       `json:"role"`
	JoinedAt   time.Time  `json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
}

// Active reports whether the participant has not left the chat.
func (p Participant) Active() bool {
	return p.LeftAt == nil
}

// Chat is a direct or group conversation.
type Chat struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	IsGroup      bool          `json:"is_group"`
	CreatedBy    string        `json:"created_by"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ActiveParticipantIDs returns the identity ids of members that have not left.
func (c *Chat) ActiveParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.Active() {
			ids = append(ids, p.IdentityID)
		}
	}
	return ids
}

// IsActiveParticipant reports whether id is a current member of the chat.
func (c *Chat) IsActiveParticipant(id string) bool {
	for _, p := range c.Participants {
		if p.IdentityID == id && p.Active() {
			return true
		}
	}
	return false
}

// Participant returns the membership row for id, if any.
func (c *Chat) Participant(id string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.IdentityID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (c Chat) Clone() Chat {
	out := c
	out.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		out.Participants[i] = p
		if p.LeftAt != nil {
			left := *p.LeftAt
			out.Participants[i].LeftAt = &left
		}
	}
	return out
}

// Phase is where a locally created message sits in its delivery lifecycle.
type Phase string

const (
	PhaseLocal     Phase = "local"
	PhaseConfirmed Phase = "confirmed"
	PhasePending   Phase = "pending"
	PhaseDropped   Phase = "dropped"
	// PhaseReceived marks messages that arrived from another participant.
	PhaseReceived Phase = "received"
)

// Message is the local view of a message. Plaintext never leaves the device.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"type"`
	FileName  string      `json:"file_name,omitempty"`
	FileSize  int64       `json:"file_size,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Plaintext string      `json:"plaintext"`
	Phase     Phase       `json:"phase"`
}

// RemoteMessage is the row written to the remote store. Content is ciphertext.
type RemoteMessage struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Type      MessageType `json:"message_type"`
	FileName  string      `json:"file_name,omitempty"`
	FileSize  int64       `json:"file_size,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Content   string      `json:"content"`
}

// DeliveryStatus is the per-recipient progress of a message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusSeen      DeliveryStatus = "seen"
)

// MessageStatus is one (message, recipient) status row.
type MessageStatus struct {
	MessageID   string
	RecipientID string
	Status      DeliveryStatus
	UpdatedAt   time.Time
}

// PendingMessage is an outbound message not yet confirmed by the remote store.
type PendingMessage struct {
	MessageID  string      `json:"message_id"`
	ChatID     string      `json:"chat_id"`
	Plaintext  string      `json:"plaintext"`
	Type       MessageType `json:"type"`
	FileBytes  []byte      `json:"file_bytes,omitempty"`
	FileName   string      `json:"file_name,omitempty"`
	ReplyTo    string      `json:"reply_to,omitempty"`
	RetryCount int         `json:"retry_count"`
	CreatedAt  time.Time   `json:"created_at"`
	LastError  string      `json:"last_error,omitempty"`
}
