package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 日志级别
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
	LevelSuccess = "SUCCESS"
)

// LogMessage 日志消息结构
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	TrialID   string    `json:"trial_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger 把日志同时输出到控制台并广播给 /logs 上的观察者
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 观察端可能来自任意来源
			},
		},
	}
}

// Run 启动广播循环，直到 Stop 被调用
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case <-wsl.stop:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.Close()
				delete(wsl.clients, client)
			}
			wsl.mu.Unlock()
			return

		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("日志观察端已连接，当前连接数: %d", count)

		case client := <-wsl.unregister:
			wsl.removeClient(client)

		case message := <-wsl.broadcast:
			var failed []*websocket.Conn
			wsl.mu.RLock()
			for client := range wsl.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					failed = append(failed, client)
				}
			}
			wsl.mu.RUnlock()

			for _, client := range failed {
				wsl.removeClient(client)
			}
		}
	}
}

// Stop 停止广播循环并断开所有观察者
func (wsl *WebSocketLogger) Stop() {
	wsl.stopOnce.Do(func() {
		close(wsl.stop)
	})
}

// ClientCount 当前观察者数量
func (wsl *WebSocketLogger) ClientCount() int {
	wsl.mu.RLock()
	defer wsl.mu.RUnlock()
	return len(wsl.clients)
}

func (wsl *WebSocketLogger) removeClient(client *websocket.Conn) {
	wsl.mu.Lock()
	_, ok := wsl.clients[client]
	if ok {
		delete(wsl.clients, client)
		client.Close()
	}
	count := len(wsl.clients)
	wsl.mu.Unlock()

	if ok {
		log.Printf("日志观察端已断开，当前连接数: %d", count)
	}
}

// Log 记录一条日志
func (wsl *WebSocketLogger) Log(level, module, message, trialID string) {
	logMsg := LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		TrialID:   trialID,
		Timestamp: time.Now(),
	}

	printConsole(logMsg)

	select {
	case wsl.broadcast <- logMsg:
	default:
		// 通道满了直接丢弃，避免阻塞会话循环
	}
}

// HandleWebSocket 处理观察者的WebSocket连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("日志WebSocket升级失败: %v", err)
		return
	}

	welcome := LogMessage{
		Level:     LevelInfo,
		Message:   "已连接到试验会话日志流",
		Module:    "logger",
		Timestamp: time.Now(),
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteJSON(welcome); err != nil {
		conn.Close()
		return
	}

	select {
	case wsl.register <- conn:
	case <-wsl.stop:
		conn.Close()
		return
	}

	defer func() {
		select {
		case wsl.unregister <- conn:
		case <-wsl.stop:
		}
	}()

	// 观察端只读，读循环仅用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("日志WebSocket连接错误: %v", err)
			}
			return
		}
	}
}

func printConsole(msg LogMessage) {
	if msg.TrialID != "" {
		log.Printf("[%s] [Trial-%s] %s: %s", msg.Level, msg.TrialID, msg.Module, msg.Message)
	} else {
		log.Printf("[%s] %s: %s", msg.Level, msg.Module, msg.Message)
	}
}

// 全局日志器实例
var (
	globalMu     sync.RWMutex
	GlobalLogger *WebSocketLogger
)

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() *WebSocketLogger {
	globalMu.Lock()
	defer globalMu.Unlock()

	if GlobalLogger == nil {
		GlobalLogger = NewWebSocketLogger()
		go GlobalLogger.Run()
	}
	return GlobalLogger
}

func logGlobal(level, module, message, trialID string) {
	globalMu.RLock()
	l := GlobalLogger
	globalMu.RUnlock()

	if l != nil {
		l.Log(level, module, message, trialID)
		return
	}
	printConsole(LogMessage{Level: level, Module: module, Message: message, TrialID: trialID})
}

// 便捷函数
func LogInfo(module, message, trialID string) {
	logGlobal(LevelInfo, module, message, trialID)
}

func LogError(module, message, trialID string) {
	logGlobal(LevelError, module, message, trialID)
}

func LogSuccess(module, message, trialID string) {
	logGlobal(LevelSuccess, module, message, trialID)
}

func LogWarning(module, message, trialID string) {
	logGlobal(LevelWarning, module, message, trialID)
}
