package remote

import (
	"time"

	"github.com/matheus3301/securechat/internal/model"
)

// Row types mirror the remote schema. Timestamps are always stored in UTC.

type profileRow struct {
	ID        string    `gorm:"primaryKey;type:text"`
	ShortID   int64     `gorm:"uniqueIndex;not null"`
	PublicKey []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (profileRow) TableName() string { return "profiles" }

type chatRow struct {
	ID        string    `gorm:"primaryKey;type:text"`
	Name      *string   `gorm:"type:text"`
	IsGroup   bool      `gorm:"not null"`
	CreatedBy string    `gorm:"type:text;not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (chatRow) TableName() string { return "chats" }

type participantRow struct {
	ChatID   string    `gorm:"primaryKey;type:text"`
	UserID   string    `gorm:"primaryKey;type:text;index"`
	Role     string    `gorm:"type:text;not null"`
	JoinedAt time.Time `gorm:"not null"`
	LeftAt   *time.Time
}

func (participantRow) TableName() string { return "chat_participants" }

type messageRow struct {
	ID          string  `gorm:"primaryKey;type:text"`
	ChatID      string  `gorm:"type:text;not null;index"`
	SenderID    string  `gorm:"type:text;not null"`
	MessageType string  `gorm:"type:text;not null"`
	FileName    *string `gorm:"type:text"`
	FileSize    *int64
	ReplyTo     *string   `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false"`
	ExpiresAt   time.Time `gorm:"not null"`
	Content     string    `gorm:"type:text;not null"`
}

func (messageRow) TableName() string { return "messages" }

type statusRow struct {
	MessageID string    `gorm:"primaryKey;type:text"`
	UserID    string    `gorm:"primaryKey;type:text"`
	Status    string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (statusRow) TableName() string { return "message_statuses" }

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toChat(r chatRow, parts []participantRow) model.Chat {
	c := model.Chat{
		ID:        r.ID,
		Name:      derefString(r.Name),
		IsGroup:   r.IsGroup,
		CreatedBy: r.CreatedBy,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	for _, p := range parts {
		c.Participants = append(c.Participants, toParticipant(p))
	}
	return c
}

func toParticipant(p participantRow) model.Participant {
	out := model.Participant{
		ChatID:     p.ChatID,
		IdentityID: p.UserID,
		Role:       model.Role(p.Role),
		JoinedAt:   p.JoinedAt.UTC(),
	}
	if p.LeftAt != nil {
		left := p.LeftAt.UTC()
		out.LeftAt = &left
	}
	return out
}

func fromParticipant(p model.Participant) participantRow {
	row := participantRow{
		ChatID:   p.ChatID,
		UserID:   p.IdentityID,
		Role:     string(p.Role),
		JoinedAt: p.JoinedAt.UTC(),
	}
	if p.LeftAt != nil {
		left := p.LeftAt.UTC()
		row.LeftAt = &left
	}
	return row
}
