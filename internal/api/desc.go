package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "securechat.v1.ChatSync"

// Method names, relative to ServiceName.
const (
	MethodStatus       = "Status"
	MethodIdentity     = "Identity"
	MethodLogin        = "Login"
	MethodLogout       = "Logout"
	MethodCreateChat   = "CreateChat"
	MethodListChats    = "ListChats"
	MethodAddMember    = "AddMember"
	MethodRemoveMember = "RemoveMember"
	MethodSendMessage  = "SendMessage"
	MethodListMessages = "ListMessages"
	MethodAttachment   = "Attachment"
	MethodListPending  = "ListPending"
	MethodRetryPending = "RetryPending"
	MethodUpdateStatus = "UpdateStatus"
	MethodWatch        = "Watch"
)

// ChatSyncServer is the server side of the ChatSync service. Requests and
// responses are google.protobuf.Struct documents.
type ChatSyncServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Identity(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddMember(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveMember(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Attachment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatSyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatSyncServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatSyncServer).Watch(in, stream)
}

// ServiceDesc describes the ChatSync service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ChatSyncServer.Status),
		unary(MethodIdentity, ChatSyncServer.Identity),
		unary(MethodLogin, ChatSyncServer.Login),
		unary(MethodLogout, ChatSyncServer.Logout),
		unary(MethodCreateChat, ChatSyncServer.CreateChat),
		unary(MethodListChats, ChatSyncServer.ListChats),
		unary(MethodAddMember, ChatSyncServer.AddMember),
		unary(MethodRemoveMember, ChatSyncServer.RemoveMember),
		unary(MethodSendMessage, ChatSyncServer.SendMessage),
		unary(MethodListMessages, ChatSyncServer.ListMessages),
		unary(MethodAttachment, ChatSyncServer.Attachment),
		unary(MethodListPending, ChatSyncServer.ListPending),
		unary(MethodRetryPending, ChatSyncServer.RetryPending),
		unary(MethodUpdateStatus, ChatSyncServer.UpdateStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "securechat/v1/chatsync.proto",
}

// RegisterChatSyncServer registers srv on s.
func RegisterChatSyncServer(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
