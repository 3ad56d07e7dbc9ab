// Package api exposes the chat sync engine to UI processes over gRPC.
package api

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/securechat/internal/bus"
	"github.com/matheus3301/securechat/internal/chatsync"
	"github.com/matheus3301/securechat/internal/identity"
	"github.com/matheus3301/securechat/internal/model"
	"github.com/matheus3301/securechat/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service implements ChatSyncServer on top of a chatsync.Engine.
type Service struct {
	engine      *chatsync.Engine
	session     *identity.Session
	machine     *status.Machine
	bus         *bus.Bus
	sessionName string
	startedAt   time.Time
	logger      *zap.Logger
}

// NewService creates the gRPC service. sess may be nil when identities come
// from a session token; Login and Logout are then rejected.
func NewService(sessionName string, engine *chatsync.Engine, sess *identity.Session, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine:      engine,
		session:     sess,
		machine:     machine,
		bus:         b,
		sessionName: sessionName,
		startedAt:   time.Now(),
		logger:      logger,
	}
}

var _ ChatSyncServer = (*Service)(nil)

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{
		"session":   s.sessionName,
		"state":     string(s.machine.Current()),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"pending":   len(s.engine.PendingMessages()),
	}
	if s.bus != nil {
		resp["dropped_events"] = s.bus.Dropped()
	}
	return toStruct(resp)
}

func (s *Service) Identity(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	id, err := s.engine.Identity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return identityStruct(id)
}

func (s *Service) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.session == nil {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "identity is issued by a session token")
	}
	id, err := requireField(req, "identity_id")
	if err != nil {
		return nil, err
	}
	s.session.Login(id)
	ident, err := s.engine.Login(ctx)
	if err != nil {
		s.session.Logout()
		return nil, toStatus(err)
	}
	s.logger.Info("identity logged in", zap.String("identity", id))
	return identityStruct(ident)
}

func (s *Service) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.session == nil {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "identity is issued by a session token")
	}
	s.engine.Logout(ctx)
	s.session.Logout()
	return toStruct(map[string]any{"success": true})
}

func (s *Service) CreateChat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chat, err := s.engine.CreateChat(ctx, stringsField(req, "participants"), boolField(req, "is_group"), stringField(req, "name"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(chat)
}

func (s *Service) ListChats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	chats, err := s.engine.GetUserChats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"chats": chats})
}

func (s *Service) AddMember(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.membership(ctx, req, s.engine.AddGroupMember)
}

func (s *Service) RemoveMember(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.membership(ctx, req, s.engine.RemoveGroupMember)
}

func (s *Service) membership(ctx context.Context, req *structpb.Struct, apply func(context.Context, string, string) (model.Chat, error)) (*structpb.Struct, error) {
	chatID, err := requireField(req, "chat_id")
	if err != nil {
		return nil, err
	}
	member, err := requireField(req, "member")
	if err != nil {
		return nil, err
	}
	chat, err := apply(ctx, chatID, member)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(chat)
}

func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireField(req, "chat_id")
	if err != nil {
		return nil, err
	}
	file, err := bytesField(req, "file")
	if err != nil {
		return nil, err
	}
	msg, err := s.engine.SendMessage(ctx, chatsync.SendRequest{
		ChatID:    chatID,
		Plaintext: stringField(req, "text"),
		Type:      model.MessageType(stringField(req, "type")),
		FileBytes: file,
		FileName:  stringField(req, "file_name"),
		ReplyTo:   stringField(req, "reply_to"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(msg)
}

func (s *Service) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	chatID, err := requireField(req, "chat_id")
	if err != nil {
		return nil, err
	}
	msgs, err := s.engine.Messages(chatID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"messages": msgs})
}

func (s *Service) Attachment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msgID, err := requireField(req, "message_id")
	if err != nil {
		return nil, err
	}
	data, err := s.engine.Attachment(ctx, msgID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"message_id": msgID, "data": data})
}

func (s *Service) ListPending(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	pending := s.engine.PendingMessages()
	out := make([]map[string]any, 0, len(pending))
	for _, p := range pending {
		out = append(out, map[string]any{
			"message_id":  p.MessageID,
			"chat_id":     p.ChatID,
			"type":        p.Type,
			"file_name":   p.FileName,
			"file_size":   len(p.FileBytes),
			"retry_count": p.RetryCount,
			"created_at":  p.CreatedAt,
			"last_error":  p.LastError,
		})
	}
	return toStruct(map[string]any{"pending": out})
}

func (s *Service) RetryPending(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res := s.engine.RetryPendingMessages(ctx)
	return toStruct(map[string]any{
		"attempted": res.Attempted,
		"sent":      res.Sent,
		"failed":    res.Failed,
		"dropped":   res.Dropped,
		"skipped":   res.Skipped,
	})
}

func (s *Service) UpdateStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	msgID, err := requireField(req, "message_id")
	if err != nil {
		return nil, err
	}
	st, err := requireField(req, "status")
	if err != nil {
		return nil, err
	}
	if err := s.engine.UpdateMessageStatus(ctx, msgID, model.DeliveryStatus(st)); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"message_id": msgID, "status": st})
}

// Watch streams engine events. With chat_id set it also subscribes to the
// chat's realtime topic and emits message.received for each new message.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not initialized")
	}
	ctx := stream.Context()
	prefix := stringField(req, "prefix")

	events, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	received := make(chan model.Message, 64)
	if chatID := stringField(req, "chat_id"); chatID != "" {
		cancel, err := s.engine.SubscribeToChat(ctx, chatID, func(m model.Message) {
			select {
			case received <- m:
			default:
				s.logger.Warn("watch stream is behind, dropping message", zap.String("message_id", m.ID))
			}
		})
		if err != nil {
			return toStatus(err)
		}
		defer cancel()
	}

	// Headers tell the client the subscriptions are in place.
	if err := stream.SendHeader(metadata.Pairs("session", s.sessionName)); err != nil {
		return err
	}

	for {
		select {
		case evt := <-events:
			if err := s.send(stream, evt.Kind, evt.Timestamp, evt.Payload); err != nil {
				return err
			}
		case m := <-received:
			if err := s.send(stream, "message.received", time.Now(), m); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Service) send(stream grpc.ServerStream, kind string, at time.Time, payload any) error {
	return stream.SendMsg(&structpb.Struct{Fields: map[string]*structpb.Value{
		"event_id":            structpb.NewStringValue(uuid.NewString()),
		"session":             structpb.NewStringValue(s.sessionName),
		"kind":                structpb.NewStringValue(kind),
		"occurred_at_unix_ms": structpb.NewNumberValue(float64(at.UnixMilli())),
		"payload":             toValue(payload),
	}})
}

func identityStruct(id *model.Identity) (*structpb.Struct, error) {
	return toStruct(map[string]any{
		"id":         id.ID,
		"short_id":   id.ShortID,
		"public_key": id.PublicKey,
	})
}
