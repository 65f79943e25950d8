package channel

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig WebSocket通道配置
type WebSocketConfig struct {
	InboxSize    int           // 入站缓冲大小，满了丢弃最旧的消息
	WriteTimeout time.Duration // 单次写入超时
	ReadLimit    int64         // 单条消息大小限制
}

// DefaultWebSocketConfig 返回默认配置
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		InboxSize:    256,
		WriteTimeout: 5 * time.Second,
		ReadLimit:    512 * 1024, // 512KB限制
	}
}

// WebSocket 基于gorilla连接的通道实现。
// 后台读协程把消息放入有界缓冲区，TryReceive 永不阻塞。
type WebSocket struct {
	conn   *websocket.Conn
	config *WebSocketConfig

	inbox    chan string
	readDone chan struct{}
	readErr  error

	writeMu   sync.Mutex
	closeOnce sync.Once

	received atomic.Uint64
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

// NewWebSocket 包装一个已建立的连接并启动读协程
func NewWebSocket(conn *websocket.Conn, config *WebSocketConfig) *WebSocket {
	if config == nil {
		config = DefaultWebSocketConfig()
	}

	ws := &WebSocket{
		conn:     conn,
		config:   config,
		inbox:    make(chan string, config.InboxSize),
		readDone: make(chan struct{}),
	}

	if config.ReadLimit > 0 {
		conn.SetReadLimit(config.ReadLimit)
	}

	go ws.readLoop()
	return ws
}

// readLoop 消息读取循环
func (ws *WebSocket) readLoop() {
	defer close(ws.readDone)

	for {
		messageType, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			ws.readErr = err
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		ws.received.Add(1)
		ws.push(string(data))
	}
}

// push 放入缓冲区，满时丢弃最旧的一条
func (ws *WebSocket) push(payload string) {
	select {
	case ws.inbox <- payload:
		return
	default:
	}

	select {
	case <-ws.inbox:
		ws.dropped.Add(1)
	default:
	}

	select {
	case ws.inbox <- payload:
	default:
		ws.dropped.Add(1)
	}
}

// TryReceive 非阻塞接收
func (ws *WebSocket) TryReceive() (string, bool, error) {
	select {
	case payload := <-ws.inbox:
		return payload, true, nil
	default:
	}

	select {
	case <-ws.readDone:
		// readErr 在 readDone 关闭前写入
		select {
		case payload := <-ws.inbox:
			return payload, true, nil
		default:
		}
		if ws.readErr != nil {
			return "", false, fmt.Errorf("%w: %v", ErrChannelClosed, ws.readErr)
		}
		return "", false, ErrChannelClosed
	default:
		return "", false, nil
	}
}

// Send 发送文本消息
func (ws *WebSocket) Send(payload string) error {
	select {
	case <-ws.readDone:
		return ErrChannelClosed
	default:
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if ws.config.WriteTimeout > 0 {
		ws.conn.SetWriteDeadline(time.Now().Add(ws.config.WriteTimeout))
	}
	if err := ws.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return ErrChannelClosed
		}
		return fmt.Errorf("websocket write failed: %w", err)
	}

	ws.sent.Add(1)
	return nil
}

// Close 发送关闭帧并关闭底层连接
func (ws *WebSocket) Close() error {
	var err error
	ws.closeOnce.Do(func() {
		ws.writeMu.Lock()
		ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "trial finished"),
			time.Now().Add(time.Second))
		ws.writeMu.Unlock()
		err = ws.conn.Close()
	})
	return err
}

// Done 读协程退出时关闭
func (ws *WebSocket) Done() <-chan struct{} {
	return ws.readDone
}

// Stats 通道统计信息
func (ws *WebSocket) Stats() map[string]uint64 {
	return map[string]uint64{
		"received": ws.received.Load(),
		"dropped":  ws.dropped.Load(),
		"sent":     ws.sent.Load(),
	}
}
