package gateway

import (
	"context"

	"google.golang.org/grpc"
)

// GatewayServer is the server-side contract the hand-rolled ServiceDesc
// below dispatches to; *Server implements it.
type GatewayServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
	DeleteAccount(context.Context, *DeleteAccountRequest) (*DeleteAccountResponse, error)
	ListAccounts(context.Context, *ListAccountsRequest) (*ListAccountsResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	GetMessages(context.Context, *GetMessagesRequest) (*GetMessagesResponse, error)
	DeleteMessages(context.Context, *DeleteMessagesRequest) (*DeleteMessagesResponse, error)
	MarkAsRead(context.Context, *MarkAsReadRequest) (*MarkAsReadResponse, error)
	StreamMessages(*StreamMessagesRequest, grpc.ServerStream) error
}

func registerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Register"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.Register(ctx, req.(*RegisterRequest))
	})
}

func loginHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LoginRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.Login(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Login"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.Login(ctx, req.(*LoginRequest))
	})
}

func logoutHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LogoutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.Logout(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Logout"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.Logout(ctx, req.(*LogoutRequest))
	})
}

func deleteAccountHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteAccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.DeleteAccount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeleteAccount"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.DeleteAccount(ctx, req.(*DeleteAccountRequest))
	})
}

func listAccountsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListAccountsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.ListAccounts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ListAccounts"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.ListAccounts(ctx, req.(*ListAccountsRequest))
	})
}

func sendMessageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SendMessageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/SendMessage"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.SendMessage(ctx, req.(*SendMessageRequest))
	})
}

func getMessagesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetMessagesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.GetMessages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetMessages"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.GetMessages(ctx, req.(*GetMessagesRequest))
	})
}

func deleteMessagesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteMessagesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.DeleteMessages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/DeleteMessages"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.DeleteMessages(ctx, req.(*DeleteMessagesRequest))
	})
}

func markAsReadHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MarkAsReadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	gs := srv.(GatewayServer)
	if interceptor == nil {
		return gs.MarkAsRead(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/MarkAsRead"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return gs.MarkAsRead(ctx, req.(*MarkAsReadRequest))
	})
}

// streamMessagesHandler reads the single StreamMessagesRequest that opens
// the call, then hands the live stream to GatewayServer.StreamMessages for
// as long as the client stays connected.
func streamMessagesHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(StreamMessagesRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(GatewayServer).StreamMessages(req, stream)
}

// serviceDesc is the Gateway's hand-registered grpc.ServiceDesc, standing
// in for what protoc-gen-go-grpc would otherwise generate from a .proto
// file — none exists in this repository (see pkg/grpc/transport.go for the
// analogous replica-to-replica service, which follows the same pattern).
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Login", Handler: loginHandler},
		{MethodName: "Logout", Handler: logoutHandler},
		{MethodName: "DeleteAccount", Handler: deleteAccountHandler},
		{MethodName: "ListAccounts", Handler: listAccountsHandler},
		{MethodName: "SendMessage", Handler: sendMessageHandler},
		{MethodName: "GetMessages", Handler: getMessagesHandler},
		{MethodName: "DeleteMessages", Handler: deleteMessagesHandler},
		{MethodName: "MarkAsRead", Handler: markAsReadHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamMessages",
			Handler:       streamMessagesHandler,
			ServerStreams: true,
		},
	},
	Metadata: "pkg/gateway/service.go",
}

// RegisterGatewayServer attaches the Gateway's hand-rolled service to
// grpcServer, mirroring grpc.Server.RegisterService's generated-code usage.
func RegisterGatewayServer(grpcServer *grpc.Server, impl GatewayServer) {
	grpcServer.RegisterService(&serviceDesc, impl)
}
