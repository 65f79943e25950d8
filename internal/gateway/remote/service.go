// Package remote 通过gRPC访问运行在其他进程中的智能体/环境。
//
// 服务 trial.v1.Agent 只使用 protobuf 的通用消息类型，无需生成代码：
//
//	Start  (Struct{game, actionSpace}) -> Empty
//	Reset  (Empty)                     -> Empty
//	Step   (Int32Value)                -> Struct（包含 done）
//	Render (Empty)                     -> BytesValue（CBOR 编码的 RawFrame）
//	Close  (Empty)                     -> Empty
//
// 每个调用通过元数据 SessionHeader 指明所属会话，宿主端按会话隔离环境实例。
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// ServiceName gRPC服务全名
	ServiceName = "trial.v1.Agent"
	// SessionHeader 会话标识元数据键
	SessionHeader = "x-trial-session"

	methodStart  = "/" + ServiceName + "/Start"
	methodReset  = "/" + ServiceName + "/Reset"
	methodStep   = "/" + ServiceName + "/Step"
	methodRender = "/" + ServiceName + "/Render"
	methodClose  = "/" + ServiceName + "/Close"
)

// AgentServer 智能体服务端接口
type AgentServer interface {
	Start(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	Reset(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
	Step(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error)
	Render(ctx context.Context, req *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Close(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error)
}

// unaryHandler 把类型化的方法适配为 grpc.MethodHandler
func unaryHandler[Req any, Resp any](fullMethod string, call func(AgentServer, context.Context, *Req) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AgentServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AgentServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc trial.v1.Agent 的服务描述
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unaryHandler(methodStart, AgentServer.Start)},
		{MethodName: "Reset", Handler: unaryHandler(methodReset, AgentServer.Reset)},
		{MethodName: "Step", Handler: unaryHandler(methodStep, AgentServer.Step)},
		{MethodName: "Render", Handler: unaryHandler(methodRender, AgentServer.Render)},
		{MethodName: "Close", Handler: unaryHandler(methodClose, AgentServer.Close)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trial/v1/agent.proto",
}
