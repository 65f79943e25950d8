package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"GoTrialRunner/internal/protocol"
)

// ErrNotConnected 客户端未连接
var ErrNotConnected = errors.New("client is not connected")

// ClientState 客户端连接状态
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	StateFinished // 服务端已发送 done
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFinished:
		return "FINISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// FrameHandler 帧消息处理器
type FrameHandler func(frame *protocol.FrameMessage)

// UIHandler UI描述处理器
type UIHandler func(ui []string)

// StateChangeHandler 状态变化处理器
type StateChangeHandler func(oldState, newState ClientState)

// ClientConfig 客户端配置
type ClientConfig struct {
	URL               string
	UserID            string
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	DialRetryInterval time.Duration
	MaxDialTries      int
	EnableCompression bool
	UserAgent         string
}

// DefaultClientConfig 返回默认配置
func DefaultClientConfig(url, userID string) *ClientConfig {
	return &ClientConfig{
		URL:               url,
		UserID:            userID,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      5 * time.Second,
		DialRetryInterval: 500 * time.Millisecond,
		MaxDialTries:      5,
		EnableCompression: false,
		UserAgent:         "GoTrialRunner/1.0",
	}
}

// Client 试验服务的远程控制客户端
type Client struct {
	config *ClientConfig
	dialer *websocket.Dialer
	conn   *websocket.Conn
	state  atomic.Int32

	// 消息处理
	onFrame       FrameHandler
	onUI          UIHandler
	onDone        func()
	onUnknown     func(payload string)
	onStateChange StateChangeHandler

	// 同步控制
	mu       sync.RWMutex
	writeMu  sync.Mutex // 专用于WebSocket写入同步
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	doneOnce sync.Once

	// 统计
	frames      atomic.Uint64
	lastFrameID atomic.Uint64
	outOfOrder  atomic.Uint64
	uiMessages  atomic.Uint64
	unknown     atomic.Uint64
	dialTries   atomic.Int32
}

// New 创建客户端
func New(config *ClientConfig) *Client {
	if config == nil {
		panic("config cannot be nil")
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	client := &Client{
		config:   config,
		dialer:   &dialer,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	client.setState(StateDisconnected)
	return client
}

// SetFrameHandler 设置帧处理器
func (c *Client) SetFrameHandler(handler FrameHandler) {
	c.onFrame = handler
}

// SetUIHandler 设置UI处理器
func (c *Client) SetUIHandler(handler UIHandler) {
	c.onUI = handler
}

// SetDoneHandler 设置试验结束处理器
func (c *Client) SetDoneHandler(handler func()) {
	c.onDone = handler
}

// SetUnknownHandler 设置无法识别消息的处理器
func (c *Client) SetUnknownHandler(handler func(payload string)) {
	c.onUnknown = handler
}

// SetStateChangeHandler 设置状态变化处理器
func (c *Client) SetStateChangeHandler(handler StateChangeHandler) {
	c.onStateChange = handler
}

// Connect 连接服务器（失败时指数退避重试），成功后发送用户标识
func (c *Client) Connect(ctx context.Context) error {
	if !c.compareAndSwapState(StateDisconnected, StateConnecting) {
		return errors.New("client is not in disconnected state")
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = c.config.DialRetryInterval

	retries := uint64(0)
	if c.config.MaxDialTries > 1 {
		retries = uint64(c.config.MaxDialTries - 1)
	}

	err := backoff.Retry(func() error {
		c.dialTries.Add(1)
		return c.doConnect(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(backOff, retries), ctx))
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	c.setState(StateConnected)
	go c.readLoop()

	if c.config.UserID != "" {
		return c.SendUserID(c.config.UserID)
	}
	return nil
}

// doConnect 执行实际的连接逻辑
func (c *Client) doConnect(ctx context.Context) error {
	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			log.Printf("Server busy, retrying: %v", err)
		}
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Close 关闭客户端连接
func (c *Client) Close() error {
	old := ClientState(c.state.Swap(int32(StateClosed)))
	if old == StateClosed {
		return nil
	}
	if c.onStateChange != nil {
		c.onStateChange(old, StateClosed)
	}

	c.stopOnce.Do(func() { close(c.stopChan) })

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// Done 收到 done 或连接断开时关闭
func (c *Client) Done() <-chan struct{} {
	return c.doneChan
}

// Wait 等待试验结束
func (c *Client) Wait(ctx context.Context) error {
	select {
	case <-c.doneChan:
		if c.getState() != StateFinished {
			return errors.New("connection lost before trial finished")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendUserID 发送用户标识
func (c *Client) SendUserID(userID string) error {
	return c.sendJSON(map[string]any{protocol.FieldUserID: userID})
}

// SendCommand 发送控制命令（start/stop/reset/pause/requestUI）
func (c *Client) SendCommand(command string) error {
	return c.sendJSON(map[string]any{protocol.FieldCommand: command})
}

// SendFrameRate 请求调整帧率（faster/slower 或数字）
func (c *Client) SendFrameRate(change string) error {
	return c.sendJSON(map[string]any{protocol.FieldChangeFrameRate: change})
}

// SendAction 发送动作
func (c *Client) SendAction(action string) error {
	return c.sendJSON(map[string]any{protocol.FieldAction: action})
}

func (c *Client) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message failed: %w", err)
	}
	return c.SendRaw(string(data))
}

// SendRaw 原样发送文本
func (c *Client) SendRaw(payload string) error {
	if c.getState() != StateConnected {
		return ErrNotConnected
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	// 使用专用的写入锁防止并发写入
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// readLoop 消息读取循环
func (c *Client) readLoop() {
	defer c.doneOnce.Do(func() { close(c.doneChan) })

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Read message failed: %v", err)
			}
			c.compareAndSwapState(StateConnected, StateDisconnected)
			return
		}

		if c.handleMessage(string(data)) {
			return
		}
	}
}

// handleMessage 处理一条服务端消息，返回true表示试验已结束
func (c *Client) handleMessage(payload string) bool {
	msg, err := protocol.DecodeOutbound(payload)
	if err != nil {
		c.unknown.Add(1)
		if c.onUnknown != nil {
			c.onUnknown(payload)
		}
		return false
	}

	switch msg.Kind {
	case protocol.OutFrame:
		c.handleFrame(msg.Frame)
	case protocol.OutUI:
		c.uiMessages.Add(1)
		if c.onUI != nil {
			c.onUI(msg.UI)
		}
	case protocol.OutDone:
		c.compareAndSwapState(StateConnected, StateFinished)
		if c.onDone != nil {
			c.onDone()
		}
		return true
	default:
		c.unknown.Add(1)
		if c.onUnknown != nil {
			c.onUnknown(payload)
		}
	}
	return false
}

// handleFrame 帧号必须单调递增
func (c *Client) handleFrame(frame *protocol.FrameMessage) {
	last := c.lastFrameID.Load()
	if frame.FrameID <= last {
		c.outOfOrder.Add(1)
		log.Printf("Out-of-order frame, frameId=%d, last=%d", frame.FrameID, last)
	} else {
		c.lastFrameID.Store(frame.FrameID)
	}

	c.frames.Add(1)
	if c.onFrame != nil {
		c.onFrame(frame)
	}
}

// getState 获取当前状态
func (c *Client) getState() ClientState {
	return ClientState(c.state.Load())
}

// State 当前状态
func (c *Client) State() ClientState {
	return c.getState()
}

// setState 设置状态
func (c *Client) setState(newState ClientState) {
	oldState := ClientState(c.state.Swap(int32(newState)))
	if oldState != newState && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
}

// compareAndSwapState 原子性状态切换
func (c *Client) compareAndSwapState(oldState, newState ClientState) bool {
	swapped := c.state.CompareAndSwap(int32(oldState), int32(newState))
	if swapped && c.onStateChange != nil {
		c.onStateChange(oldState, newState)
	}
	return swapped
}

// LastFrameID 最近收到的帧号
func (c *Client) LastFrameID() uint64 {
	return c.lastFrameID.Load()
}

// GetStats 获取客户端统计信息
func (c *Client) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"state":         c.getState().String(),
		"frames":        c.frames.Load(),
		"last_frame_id": c.lastFrameID.Load(),
		"out_of_order":  c.outOfOrder.Load(),
		"ui_messages":   c.uiMessages.Load(),
		"unknown":       c.unknown.Load(),
		"dial_tries":    c.dialTries.Load(),
	}
}
