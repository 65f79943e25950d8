package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"GoTrialRunner/internal/gateway"
)

// closeTimeout Close 没有调用方的ctx，使用固定超时
const closeTimeout = 5 * time.Second

// Gateway 远程智能体网关，实现 gateway.Gateway
type Gateway struct {
	conn    grpc.ClientConnInterface
	session string
	actions []string
}

// Dial 建立到智能体宿主的连接
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial agent %s: %w", addr, err)
	}
	return conn, nil
}

// New 在已有连接上创建一个新会话
func New(conn grpc.ClientConnInterface, actions []string) *Gateway {
	return &Gateway{
		conn:    conn,
		session: uuid.NewString(),
		actions: append([]string{}, actions...),
	}
}

// Factory 所有会话共享一个连接
func Factory(conn grpc.ClientConnInterface) gateway.Factory {
	return func(ctx context.Context, actions []string) (gateway.Gateway, error) {
		return New(conn, actions), nil
	}
}

// Session 会话标识
func (g *Gateway) Session() string {
	return g.session
}

func (g *Gateway) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SessionHeader, g.session)
}

// Start 实现 gateway.Gateway
func (g *Gateway) Start(ctx context.Context, game string) error {
	actions := make([]any, len(g.actions))
	for i, a := range g.actions {
		actions[i] = a
	}
	req, err := structpb.NewStruct(map[string]any{
		"game":        game,
		"actionSpace": actions,
	})
	if err != nil {
		return fmt.Errorf("build start request: %w", err)
	}

	if err := g.conn.Invoke(g.outgoing(ctx), methodStart, req, &emptypb.Empty{}); err != nil {
		return fromStatus("start", err)
	}
	return nil
}

// Reset 实现 gateway.Gateway
func (g *Gateway) Reset(ctx context.Context) error {
	if err := g.conn.Invoke(g.outgoing(ctx), methodReset, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return fromStatus("reset", err)
	}
	return nil
}

// Step 实现 gateway.Gateway
func (g *Gateway) Step(ctx context.Context, action int) (gateway.StepResult, error) {
	out := &structpb.Struct{}
	if err := g.conn.Invoke(g.outgoing(ctx), methodStep, wrapperspb.Int32(int32(action)), out); err != nil {
		return gateway.StepResult{}, fromStatus("step", err)
	}
	return gateway.StepResultFromMap(out.AsMap()), nil
}

// Render 实现 gateway.Gateway
func (g *Gateway) Render(ctx context.Context) (gateway.RawFrame, error) {
	out := &wrapperspb.BytesValue{}
	if err := g.conn.Invoke(g.outgoing(ctx), methodRender, &emptypb.Empty{}, out); err != nil {
		return gateway.RawFrame{}, fromStatus("render", err)
	}

	var frame gateway.RawFrame
	if err := cbor.Unmarshal(out.GetValue(), &frame); err != nil {
		return gateway.RawFrame{}, fmt.Errorf("%w: %v", gateway.ErrInvalidRawFrame, err)
	}
	if err := frame.Validate(); err != nil {
		return gateway.RawFrame{}, err
	}
	return frame, nil
}

// Close 实现 gateway.Gateway
func (g *Gateway) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := g.conn.Invoke(g.outgoing(ctx), methodClose, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return fromStatus("close", err)
	}
	return nil
}

// fromStatus 把状态码还原为网关哨兵错误
func fromStatus(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("remote %s: %w", op, err)
	}
	switch st.Code() {
	case codes.FailedPrecondition, codes.NotFound:
		return fmt.Errorf("remote %s: %w: %s", op, gateway.ErrNotStarted, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("remote %s: %w: %s", op, gateway.ErrClosed, st.Message())
	case codes.DataLoss:
		return fmt.Errorf("remote %s: %w: %s", op, gateway.ErrInvalidRawFrame, st.Message())
	default:
		return fmt.Errorf("remote %s: %w", op, err)
	}
}
