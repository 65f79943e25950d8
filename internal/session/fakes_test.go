package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GoTrialRunner/internal/channel"
	"GoTrialRunner/internal/config"
	"GoTrialRunner/internal/gateway"
	"GoTrialRunner/internal/protocol"
	"GoTrialRunner/internal/telemetry"
	"GoTrialRunner/internal/upload"
)

// fakeGateway 每 doneEvery 步报告一次回合结束（0 表示从不结束）
type fakeGateway struct {
	mu        sync.Mutex
	doneEvery int
	renderErr error
	stepErr   error
	stepHook  func() // 在加锁前调用，可用于阻塞一步

	starts   int
	game     string
	resets   int
	closes   int
	renders  int
	actions  []int
	sinceEnd int
}

func (g *fakeGateway) Start(ctx context.Context, game string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.starts++
	g.game = game
	return nil
}

func (g *fakeGateway) Reset(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets++
	g.sinceEnd = 0
	return nil
}

func (g *fakeGateway) Step(ctx context.Context, action int) (gateway.StepResult, error) {
	if g.stepHook != nil {
		g.stepHook()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stepErr != nil {
		return gateway.StepResult{}, g.stepErr
	}
	g.actions = append(g.actions, action)
	g.sinceEnd++
	done := g.doneEvery > 0 && g.sinceEnd >= g.doneEvery
	return gateway.StepResult{
		Done:   done,
		Fields: map[string]any{"reward": 1.0, "action": action},
	}, nil
}

func (g *fakeGateway) Render(ctx context.Context) (gateway.RawFrame, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.renderErr != nil {
		return gateway.RawFrame{}, g.renderErr
	}
	g.renders++
	return gateway.RawFrame{Width: 1, Height: 1, Channels: 3, Pix: []byte{1, 2, 3}}, nil
}

func (g *fakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closes++
	return nil
}

type fakeEncoder struct {
	err error
}

func (e fakeEncoder) Encode(frame gateway.RawFrame) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "img", nil
}

// recordingHandoff 记录所有交接请求
type recordingHandoff struct {
	mu       sync.Mutex
	requests []upload.Request
}

func (h *recordingHandoff) Handoff(ctx context.Context, req upload.Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, req)
	return nil
}

func (h *recordingHandoff) all() []upload.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]upload.Request(nil), h.requests...)
}

// harness 控制器和测试端的通道
type harness struct {
	ctrl    *Controller
	gw      *fakeGateway
	remote  *channel.PipeEnd
	store   *telemetry.Store
	handoff *recordingHandoff
	sleeps  []time.Duration
}

func newHarness(t *testing.T, cfg *config.TrialConfig, gw *fakeGateway, opts ...Option) *harness {
	t.Helper()

	local, remote := channel.NewPipe(256)
	h := &harness{
		gw:      gw,
		remote:  remote,
		store:   telemetry.NewStore(t.TempDir(), config.CompressionNone),
		handoff: &recordingHandoff{},
	}

	base := []Option{
		WithEncoder(fakeEncoder{}),
		WithStore(h.store),
		WithHandoff(h.handoff),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return ctx.Err()
		}),
	}
	ctrl, err := New(cfg, local, gw, append(base, opts...)...)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) send(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, h.remote.Send(payload))
}

// tick 发送消息（可选）并执行一次循环
func (h *harness) tick(t *testing.T, payload string) {
	t.Helper()
	if payload != "" {
		h.send(t, payload)
	}
	require.NoError(t, h.ctrl.Tick(context.Background()))
}

// drain 读取控制器发出的全部消息
func (h *harness) drain(t *testing.T) []*protocol.Outbound {
	t.Helper()

	var out []*protocol.Outbound
	for {
		payload, ok, err := h.remote.TryReceive()
		if errors.Is(err, channel.ErrChannelClosed) || !ok {
			return out
		}
		msg, err := protocol.DecodeOutbound(payload)
		require.NoError(t, err)
		out = append(out, msg)
	}
}

func kinds(msgs []*protocol.Outbound) []protocol.OutboundKind {
	out := make([]protocol.OutboundKind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func testConfig() *config.TrialConfig {
	cfg := config.DefaultTrialConfig()
	cfg.ActionSpace = []string{"noop", "left", "right"}
	return cfg
}
