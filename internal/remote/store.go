// Package remote talks to the relational backend that holds the shared
// chats, participants, messages and delivery statuses. Authorization is
// enforced by the backend; this package only maps rows.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/matheus3301/securechat/internal/status"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store is a gorm-backed remote store.
type Store struct {
	db *gorm.DB
}

// Open connects using the named driver ("postgres" or "sqlite").
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown remote driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	if driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return &Store{db: db}, nil
}

// AutoMigrate creates the remote tables. Production backends ship their own
// schema; this is for local development and tests.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&profileRow{}, &chatRow{}, &participantRow{}, &messageRow{}, &statusRow{})
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	return err
}

// ProfileByID returns the profile of a canonical identity id.
func (s *Store) ProfileByID(ctx context.Context, id string) (*model.Identity, error) {
	var row profileRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "profile "+id)
	}
	return &model.Identity{ID: row.ID, ShortID: row.ShortID, PublicKey: row.PublicKey}, nil
}

// ProfileByShortID returns the profile with the given numeric short id.
func (s *Store) ProfileByShortID(ctx context.Context, shortID int64) (*model.Identity, error) {
	var row profileRow
	if err := s.db.WithContext(ctx).Where("short_id = ?", shortID).Take(&row).Error; err != nil {
		return nil, notFound(err, fmt.Sprintf("profile #%d", shortID))
	}
	return &model.Identity{ID: row.ID, ShortID: row.ShortID, PublicKey: row.PublicKey}, nil
}

// UpsertProfile publishes the public key for id, allocating the next short id
// for a new profile. A profile that already holds a different key is left
// alone and model.ErrKeyConflict is returned.
func (s *Store) UpsertProfile(ctx context.Context, id string, publicKey []byte) (*model.Identity, error) {
	var out profileRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).Take(&out).Error
		if err == nil {
			if len(out.PublicKey) > 0 && !bytes.Equal(out.PublicKey, publicKey) {
				return model.ErrKeyConflict
			}
			out.PublicKey = publicKey
			return tx.Model(&profileRow{}).Where("id = ?", id).Update("public_key", publicKey).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var maxShort int64
		if err := tx.Model(&profileRow{}).Select("COALESCE(MAX(short_id), 0)").Scan(&maxShort).Error; err != nil {
			return err
		}
		out = profileRow{ID: id, ShortID: maxShort + 1, PublicKey: publicKey, CreatedAt: time.Now().UTC()}
		return tx.Create(&out).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert profile %s: %w", id, err)
	}
	return &model.Identity{ID: out.ID, ShortID: out.ShortID, PublicKey: out.PublicKey}, nil
}

// PublicKeys returns the published public keys of ids. Ids without a profile
// are absent from the result.
func (s *Store) PublicKeys(ctx context.Context, ids []string) (map[string][]byte, error) {
	var rows []profileRow
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load public keys: %w", err)
	}
	keys := make(map[string][]byte, len(rows))
	for _, r := range rows {
		keys[r.ID] = r.PublicKey
	}
	return keys, nil
}

// InsertChat creates the chat row only; participants are inserted separately.
func (s *Store) InsertChat(ctx context.Context, c model.Chat) error {
	row := chatRow{
		ID:        c.ID,
		IsGroup:   c.IsGroup,
		CreatedBy: c.CreatedBy,
		CreatedAt: c.CreatedAt.UTC(),
		UpdatedAt: c.UpdatedAt.UTC(),
	}
	if c.IsGroup {
		row.Name = optString(c.Name)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert chat %s: %w", c.ID, err)
	}
	return nil
}

// DeleteChat removes a chat row and any participant rows it has.
func (s *Store) DeleteChat(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&participantRow{}).Error; err != nil {
			return fmt.Errorf("delete participants of %s: %w", id, err)
		}
		if err := tx.Where("id = ?", id).Delete(&chatRow{}).Error; err != nil {
			return fmt.Errorf("delete chat %s: %w", id, err)
		}
		return nil
	})
}

// InsertParticipants inserts all rows in a single statement.
func (s *Store) InsertParticipants(ctx context.Context, parts []model.Participant) error {
	rows := make([]participantRow, 0, len(parts))
	for _, p := range parts {
		rows = append(rows, fromParticipant(p))
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("insert participants: %w", err)
	}
	return nil
}

// UpsertParticipant adds a member, re-activating a row that had left.
func (s *Store) UpsertParticipant(ctx context.Context, p model.Participant) error {
	row := fromParticipant(p)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "joined_at", "left_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert participant %s in %s: %w", p.IdentityID, p.ChatID, err)
	}
	return nil
}

// MarkParticipantLeft sets left_at for an active member.
func (s *Store) MarkParticipantLeft(ctx context.Context, chatID, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&participantRow{}).
		Where("chat_id = ? AND user_id = ? AND left_at IS NULL", chatID, userID).
		Update("left_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("mark %s left %s: %w", userID, chatID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("active participant %s in %s: %w", userID, chatID, model.ErrNotFound)
	}
	return nil
}

// Chat returns a chat with all of its participant rows.
func (s *Store) Chat(ctx context.Context, id string) (*model.Chat, error) {
	var row chatRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "chat "+id)
	}
	var parts []participantRow
	if err := s.db.WithContext(ctx).Where("chat_id = ?", id).Order("joined_at ASC").Find(&parts).Error; err != nil {
		return nil, fmt.Errorf("load participants of %s: %w", id, err)
	}
	c := toChat(row, parts)
	return &c, nil
}

// FindDirectChat returns the non-group chat whose active members are exactly
// a and b, or nil if there is none.
func (s *Store) FindDirectChat(ctx context.Context, a, b string) (*model.Chat, error) {
	db := s.db.WithContext(ctx)
	activeIn := func(user string) *gorm.DB {
		return s.db.Model(&participantRow{}).Select("chat_id").Where("user_id = ? AND left_at IS NULL", user)
	}
	var ids []string
	err := db.Model(&chatRow{}).
		Where("is_group = ?", false).
		Where("id IN (?)", activeIn(a)).
		Where("id IN (?)", activeIn(b)).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find direct chat: %w", err)
	}
	for _, id := range ids {
		c, err := s.Chat(ctx, id)
		if err != nil {
			return nil, err
		}
		if sameMembers(c.ActiveParticipantIDs(), a, b) {
			return c, nil
		}
	}
	return nil, nil
}

func sameMembers(ids []string, a, b string) bool {
	if len(ids) != 2 {
		return false
	}
	return (ids[0] == a && ids[1] == b) || (ids[0] == b && ids[1] == a)
}

// ChatsForIdentity returns every chat in which id is an active participant.
func (s *Store) ChatsForIdentity(ctx context.Context, id string) ([]model.Chat, error) {
	db := s.db.WithContext(ctx)
	var rows []chatRow
	err := db.Where("id IN (?)",
		s.db.Model(&participantRow{}).Select("chat_id").Where("user_id = ? AND left_at IS NULL", id),
	).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list chats of %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	chatIDs := make([]string, len(rows))
	for i, r := range rows {
		chatIDs[i] = r.ID
	}
	var parts []participantRow
	if err := db.Where("chat_id IN ?", chatIDs).Order("joined_at ASC").Find(&parts).Error; err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	byChat := make(map[string][]participantRow, len(rows))
	for _, p := range parts {
		byChat[p.ChatID] = append(byChat[p.ChatID], p)
	}

	chats := make([]model.Chat, 0, len(rows))
	for _, r := range rows {
		chats = append(chats, toChat(r, byChat[r.ID]))
	}
	return chats, nil
}

// TouchChat moves a chat's updated_at forward to at.
func (s *Store) TouchChat(ctx context.Context, chatID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row chatRow
		if err := tx.Where("id = ?", chatID).Take(&row).Error; err != nil {
			return notFound(err, "chat "+chatID)
		}
		if !at.After(row.UpdatedAt) {
			return nil
		}
		return tx.Model(&chatRow{}).Where("id = ?", chatID).Update("updated_at", at.UTC()).Error
	})
}

// OrphanChats lists chats created by createdBy before the cutoff that have
// no participant rows, left behind when a compensating delete failed. Newer
// chats may still be waiting for their participants.
func (s *Store) OrphanChats(ctx context.Context, createdBy string, before time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&chatRow{}).
		Where("created_by = ?", createdBy).
		Where("created_at < ?", before.UTC()).
		Where("NOT EXISTS (?)", s.db.Model(&participantRow{}).Select("1").Where("chat_participants.chat_id = chats.id")).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("find orphan chats: %w", err)
	}
	return ids, nil
}

// InsertMessage writes a ciphertext message. Re-inserting the same id is a
// no-op so resends are safe.
func (s *Store) InsertMessage(ctx context.Context, m model.RemoteMessage) error {
	row := messageRow{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		MessageType: string(m.Type),
		FileName:    optString(m.FileName),
		ReplyTo:     optString(m.ReplyTo),
		CreatedAt:   m.CreatedAt.UTC(),
		ExpiresAt:   m.ExpiresAt.UTC(),
		Content:     m.Content,
	}
	if m.FileSize > 0 {
		size := m.FileSize
		row.FileSize = &size
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// Message returns a stored ciphertext message.
func (s *Store) Message(ctx context.Context, id string) (*model.RemoteMessage, error) {
	var row messageRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return nil, notFound(err, "message "+id)
	}
	m := model.RemoteMessage{
		ID:        row.ID,
		ChatID:    row.ChatID,
		SenderID:  row.SenderID,
		Type:      model.MessageType(row.MessageType),
		FileName:  derefString(row.FileName),
		ReplyTo:   derefString(row.ReplyTo),
		CreatedAt: row.CreatedAt.UTC(),
		ExpiresAt: row.ExpiresAt.UTC(),
		Content:   row.Content,
	}
	if row.FileSize != nil {
		m.FileSize = *row.FileSize
	}
	return &m, nil
}

// UpsertMessageStatus writes a delivery status unless it would move the row
// backwards. It reports whether the row changed. The rank comparison runs
// inside the upsert so concurrent writers cannot overwrite a later status.
func (s *Store) UpsertMessageStatus(ctx context.Context, st model.MessageStatus) (bool, error) {
	if !status.ValidDelivery(st.Status) {
		return false, nil
	}
	row := statusRow{
		MessageID: st.MessageID,
		UserID:    st.RecipientID,
		Status:    string(st.Status),
		UpdatedAt: st.UpdatedAt.UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: statusRank("excluded.status") + " > " + statusRank("message_statuses.status")},
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("upsert status of %s for %s: %w", st.MessageID, st.RecipientID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// statusRank is the SQL form of the delivery ordering sent < delivered < seen.
func statusRank(col string) string {
	return fmt.Sprintf("(CASE %s WHEN '%s' THEN 1 WHEN '%s' THEN 2 WHEN '%s' THEN 3 ELSE 0 END)",
		col, model.StatusSent, model.StatusDelivered, model.StatusSeen)
}

// MessageStatus returns the status row of (messageID, userID).
func (s *Store) MessageStatus(ctx context.Context, messageID, userID string) (*model.MessageStatus, error) {
	var row statusRow
	err := s.db.WithContext(ctx).Where("message_id = ? AND user_id = ?", messageID, userID).Take(&row).Error
	if err != nil {
		return nil, notFound(err, "status of "+messageID)
	}
	return &model.MessageStatus{
		MessageID:   row.MessageID,
		RecipientID: row.UserID,
		Status:      model.DeliveryStatus(row.Status),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}, nil
}
