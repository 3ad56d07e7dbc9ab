package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/cache"
	"github.com/matheus3301/securechat/internal/model"
	"go.uber.org/zap"
)

// MembershipChange is the payload of chat.membership_changed events.
type MembershipChange struct {
	ChatID     string
	IdentityID string
	Added      bool
}

// CreateChat creates a chat between the caller and the given participants.
// Numeric refs are short ids; anything else is a canonical identity id.
// Creating a direct chat that already exists returns the existing chat.
func (e *Engine) CreateChat(ctx context.Context, refs []string, isGroup bool, name string) (model.Chat, error) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return model.Chat{}, err
	}
	name = strings.TrimSpace(name)
	if isGroup && name == "" {
		return model.Chat{}, fmt.Errorf("%w: group chats need a name", model.ErrInvalidArgument)
	}

	members, err := e.resolveRefs(ctx, caller, refs)
	if err != nil {
		return model.Chat{}, err
	}
	if len(members) == 0 {
		return model.Chat{}, fmt.Errorf("%w: no participants besides the caller", model.ErrInvalidArgument)
	}

	if !isGroup {
		if len(members) != 1 {
			return model.Chat{}, fmt.Errorf("%w: a direct chat has exactly one other participant", model.ErrInvalidArgument)
		}
		existing, err := e.remote.FindDirectChat(ctx, caller, members[0])
		if err != nil {
			e.remoteFailed("find direct chat", err)
			return model.Chat{}, fmt.Errorf("%w: find direct chat: %v", model.ErrPersistence, err)
		}
		if existing != nil {
			e.remoteOK()
			e.storeChats(ctx, *existing)
			e.logger.Debug("direct chat already exists", zap.String("chat_id", existing.ID))
			return existing.Clone(), nil
		}
		name = ""
	}

	now := e.now()
	chat := model.Chat{
		ID:        e.newID(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedBy: caller,
		CreatedAt: now,
		UpdatedAt: now,
	}
	chat.Participants = append(chat.Participants, model.Participant{
		ChatID: chat.ID, IdentityID: caller, Role: model.RoleAdmin, JoinedAt: now,
	})
	for _, id := range members {
		chat.Participants = append(chat.Participants, model.Participant{
			ChatID: chat.ID, IdentityID: id, Role: model.RoleMember, JoinedAt: now,
		})
	}

	if err := e.remote.InsertChat(ctx, chat); err != nil {
		e.remoteFailed("insert chat", err)
		return model.Chat{}, fmt.Errorf("%w: insert chat: %v", model.ErrPersistence, err)
	}
	if err := e.remote.InsertParticipants(ctx, chat.Participants); err != nil {
		e.remoteFailed("insert participants", err)
		if derr := e.remote.DeleteChat(ctx, chat.ID); derr != nil {
			// Start removes it on the next sweep.
			e.logger.Error("compensating delete failed, orphan chat left behind",
				zap.String("chat_id", chat.ID), zap.Error(derr))
		}
		return model.Chat{}, fmt.Errorf("%w: insert participants: %v", model.ErrPersistence, err)
	}
	e.remoteOK()

	e.storeChats(ctx, chat)
	e.metrics.ChatCreated(isGroup)
	e.logger.Info("chat created",
		zap.String("chat_id", chat.ID),
		zap.Bool("group", isGroup),
		zap.Int("participants", len(chat.Participants)))
	return chat, nil
}

// resolveRefs maps refs to canonical ids, dropping duplicates and the caller.
func (e *Engine) resolveRefs(ctx context.Context, caller string, refs []string) ([]string, error) {
	seen := map[string]bool{caller: true}
	var out []string
	for _, ref := range refs {
		id, err := e.resolveRef(ctx, ref)
		if err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func (e *Engine) resolveRef(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty participant reference", model.ErrInvalidArgument)
	}

	var (
		profile *model.Identity
		err     error
	)
	if isNumeric(ref) {
		short, perr := strconv.ParseInt(ref, 10, 64)
		if perr != nil {
			return "", fmt.Errorf("%w: short id %q: %v", model.ErrInvalidArgument, ref, perr)
		}
		profile, err = e.remote.ProfileByShortID(ctx, short)
	} else {
		profile, err = e.remote.ProfileByID(ctx, ref)
	}
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", err
		}
		e.remoteFailed("resolve participant", err)
		return "", fmt.Errorf("%w: resolve %q: %v", model.ErrPersistence, ref, err)
	}
	return profile.ID, nil
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// storeChats upserts chats into the replica. A cached updated_at that is
// ahead of the remote one (a local send not yet reflected remotely) is kept.
func (e *Engine) storeChats(ctx context.Context, chats ...model.Chat) {
	_ = e.cache.Update(ctx, func(tx *cache.Txn) error {
		for _, c := range chats {
			prev, ok := tx.Chat(c.ID)
			tx.PutChat(c)
			if ok {
				tx.TouchChat(c.ID, prev.UpdatedAt)
			}
		}
		return nil
	})
	for _, c := range chats {
		e.publish(bus.KindChatUpserted, c.ID)
	}
}

// GetUserChats returns the chats the caller is an active member of, most
// recently updated first. The remote store is authoritative; when it cannot
// be reached the local replica is used instead.
func (e *Engine) GetUserChats(ctx context.Context) ([]model.Chat, error) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return nil, err
	}

	remote, err := e.remote.ChatsForIdentity(ctx, caller)
	if err != nil {
		e.remoteFailed("list chats", err)
		return e.cachedChats(caller), nil
	}
	e.remoteOK()

	e.storeChats(ctx, remote...)
	out := make([]model.Chat, 0, len(remote))
	for _, rc := range remote {
		if c, ok := e.cache.Chat(rc.ID); ok {
			out = append(out, c)
		}
	}
	sortChats(out)
	return out, nil
}

func (e *Engine) cachedChats(caller string) []model.Chat {
	var out []model.Chat
	for _, c := range e.cache.Chats() {
		if c.IsActiveParticipant(caller) {
			out = append(out, c)
		}
	}
	sortChats(out)
	return out
}

func sortChats(chats []model.Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID < chats[j].ID
	})
}

// AddGroupMember adds ref to a group chat. Only the chat's creator may
// change membership. Adding a current member is a no-op.
func (e *Engine) AddGroupMember(ctx context.Context, chatID, ref string) (model.Chat, error) {
	caller, chat, err := e.membershipTarget(ctx, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	id, err := e.resolveRef(ctx, ref)
	if err != nil {
		return model.Chat{}, err
	}
	if chat.IsActiveParticipant(id) {
		return *chat, nil
	}

	err = e.remote.UpsertParticipant(ctx, model.Participant{
		ChatID:     chatID,
		IdentityID: id,
		Role:       model.RoleMember,
		JoinedAt:   e.now(),
	})
	if err != nil {
		e.remoteFailed("add participant", err)
		return model.Chat{}, fmt.Errorf("%w: add %s: %v", model.ErrPersistence, id, err)
	}
	e.logger.Info("member added", zap.String("chat_id", chatID), zap.String("identity", id), zap.String("by", caller))
	return e.refreshMembership(ctx, chatID, MembershipChange{ChatID: chatID, IdentityID: id, Added: true})
}

// RemoveGroupMember marks ref as having left a group chat. Only the chat's
// creator may change membership, and the creator cannot be removed.
func (e *Engine) RemoveGroupMember(ctx context.Context, chatID, ref string) (model.Chat, error) {
	caller, chat, err := e.membershipTarget(ctx, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	id, err := e.resolveRef(ctx, ref)
	if err != nil {
		return model.Chat{}, err
	}
	if id == chat.CreatedBy {
		return model.Chat{}, fmt.Errorf("%w: the creator cannot be removed", model.ErrInvalidArgument)
	}
	if !chat.IsActiveParticipant(id) {
		return model.Chat{}, fmt.Errorf("%s in chat %s: %w", id, chatID, model.ErrParticipant)
	}

	if err := e.remote.MarkParticipantLeft(ctx, chatID, id, e.now()); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.Chat{}, fmt.Errorf("%s in chat %s: %w", id, chatID, model.ErrParticipant)
		}
		e.remoteFailed("remove participant", err)
		return model.Chat{}, fmt.Errorf("%w: remove %s: %v", model.ErrPersistence, id, err)
	}
	e.logger.Info("member removed", zap.String("chat_id", chatID), zap.String("identity", id), zap.String("by", caller))
	return e.refreshMembership(ctx, chatID, MembershipChange{ChatID: chatID, IdentityID: id})
}

// membershipTarget loads the authoritative chat and checks that the caller
// may change its membership.
func (e *Engine) membershipTarget(ctx context.Context, chatID string) (string, *model.Chat, error) {
	caller, err := e.ids.CurrentIdentity(ctx)
	if err != nil {
		return "", nil, err
	}
	chat, err := e.remote.Chat(ctx, chatID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return "", nil, err
		}
		e.remoteFailed("load chat", err)
		return "", nil, fmt.Errorf("%w: load chat %s: %v", model.ErrPersistence, chatID, err)
	}
	e.remoteOK()
	if !chat.IsGroup {
		return "", nil, fmt.Errorf("%w: chat %s is not a group", model.ErrInvalidArgument, chatID)
	}
	if chat.CreatedBy != caller {
		return "", nil, fmt.Errorf("%w: only the creator of chat %s can change its members", model.ErrPermission, chatID)
	}
	return caller, chat, nil
}

func (e *Engine) refreshMembership(ctx context.Context, chatID string, change MembershipChange) (model.Chat, error) {
	chat, err := e.remote.Chat(ctx, chatID)
	if err != nil {
		e.remoteFailed("reload chat", err)
		return model.Chat{}, fmt.Errorf("%w: reload chat %s: %v", model.ErrPersistence, chatID, err)
	}
	e.storeChats(ctx, *chat)
	e.publish(bus.KindMembershipChange, change)
	return *chat, nil
}
