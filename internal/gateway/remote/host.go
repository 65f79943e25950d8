package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"GoTrialRunner/internal/gateway"
)

// Host 把本地网关以 trial.v1.Agent 服务的形式对外提供
type Host struct {
	factory gateway.Factory

	mu       sync.Mutex
	sessions map[string]gateway.Gateway
}

// NewHost 创建宿主，每个会话通过factory创建独立的网关
func NewHost(factory gateway.Factory) *Host {
	return &Host{
		factory:  factory,
		sessions: make(map[string]gateway.Gateway),
	}
}

// Register 把宿主注册到gRPC服务器
func Register(s *grpc.Server, h *Host) {
	s.RegisterService(&ServiceDesc, h)
}

// Serve 在lis上提供服务直到ctx结束
func Serve(ctx context.Context, lis net.Listener, factory gateway.Factory) error {
	s := grpc.NewServer()
	h := NewHost(factory)
	Register(s, h)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
		h.closeAll()
	}()

	log.Printf("Agent host listening on %s", lis.Addr())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("agent host serve failed: %w", err)
	}
	return nil
}

// Sessions 当前活跃的会话数
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Start 实现 AgentServer
func (h *Host) Start(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id, err := sessionFromContext(ctx)
	if err != nil {
		return nil, err
	}

	fields := req.AsMap()
	game, _ := fields["game"].(string)
	var actions []string
	if list, ok := fields["actionSpace"].([]any); ok {
		for _, a := range list {
			if s, ok := a.(string); ok {
				actions = append(actions, s)
			}
		}
	}

	gw, err := h.factory(ctx, actions)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "create gateway: %v", err)
	}
	if err := gw.Start(ctx, game); err != nil {
		gw.Close()
		return nil, toStatus(err)
	}

	h.mu.Lock()
	old := h.sessions[id]
	h.sessions[id] = gw
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return &emptypb.Empty{}, nil
}

// Reset 实现 AgentServer
func (h *Host) Reset(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	gw, err := h.lookup(ctx)
	if err != nil {
		return nil, err
	}
	if err := gw.Reset(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Step 实现 AgentServer
func (h *Host) Step(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.Struct, error) {
	gw, err := h.lookup(ctx)
	if err != nil {
		return nil, err
	}

	result, err := gw.Step(ctx, int(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}

	out, err := toStruct(result.Record())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode step result: %v", err)
	}
	return out, nil
}

// Render 实现 AgentServer
func (h *Host) Render(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	gw, err := h.lookup(ctx)
	if err != nil {
		return nil, err
	}

	frame, err := gw.Render(ctx)
	if err != nil {
		return nil, toStatus(err)
	}

	data, err := cbor.Marshal(frame)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode frame: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// Close 实现 AgentServer
func (h *Host) Close(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	id, err := sessionFromContext(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	gw := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if gw != nil {
		if err := gw.Close(); err != nil {
			return nil, toStatus(err)
		}
	}
	return &emptypb.Empty{}, nil
}

func (h *Host) lookup(ctx context.Context) (gateway.Gateway, error) {
	id, err := sessionFromContext(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	gw, ok := h.sessions[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "session %s not started", id)
	}
	return gw, nil
}

func (h *Host) closeAll() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]gateway.Gateway)
	h.mu.Unlock()

	for _, gw := range sessions {
		gw.Close()
	}
}

func sessionFromContext(ctx context.Context) (string, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	if ids := md.Get(SessionHeader); len(ids) > 0 && ids[0] != "" {
		return ids[0], nil
	}
	return "", status.Error(codes.InvalidArgument, "missing "+SessionHeader)
}

// toStruct 经JSON规整后转换，structpb 不接受 []int 等具体切片类型
func toStruct(m map[string]any) (*structpb.Struct, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var normalized map[string]any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return nil, err
	}
	return structpb.NewStruct(normalized)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, gateway.ErrNotStarted):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, gateway.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, gateway.ErrInvalidRawFrame):
		return status.Error(codes.DataLoss, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
