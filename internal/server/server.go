// Package server 对外提供试验服务：每个WebSocket连接对应一个会话控制器。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"GoTrialRunner/internal/channel"
	"GoTrialRunner/internal/config"
	"GoTrialRunner/internal/encoder"
	"GoTrialRunner/internal/gateway"
	"GoTrialRunner/internal/logger"
	"GoTrialRunner/internal/session"
	"GoTrialRunner/internal/telemetry"
	"GoTrialRunner/internal/upload"
)

// ServerConfig 服务器配置
type ServerConfig struct {
	Addr              string
	MaxConnections    int
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	InboxSize         int           // 每个连接的入站缓冲
	WriteTimeout      time.Duration // 单条消息写超时
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:              addr,
		MaxConnections:    100,
		ReadBufferSize:    1024,
		WriteBufferSize:   64 * 1024, // 帧消息较大
		EnableCompression: false,
		InboxSize:         256,
		WriteTimeout:      5 * time.Second,
	}
}

// FromConfig 由配置文件的 server 段构造
func FromConfig(c *config.ServerConfig) *ServerConfig {
	cfg := DefaultServerConfig(c.Addr)
	if c.MaxConnections > 0 {
		cfg.MaxConnections = c.MaxConnections
	}
	if c.ReadBufferSize > 0 {
		cfg.ReadBufferSize = c.ReadBufferSize
	}
	if c.WriteBufferSize > 0 {
		cfg.WriteBufferSize = c.WriteBufferSize
	}
	cfg.EnableCompression = c.EnableCompression
	return cfg
}

// ConfigSource 为新会话提供试验配置快照，*config.ConfigManager 满足该接口
type ConfigSource interface {
	Snapshot() (*config.TrialConfig, error)
}

// ConfigSummarizer 可选：配置源能提供摘要时在 /stats 中展示
type ConfigSummarizer interface {
	Summary() (map[string]interface{}, error)
}

type staticConfig struct {
	cfg *config.TrialConfig
}

func (s staticConfig) Snapshot() (*config.TrialConfig, error) {
	return s.cfg.Clone(), nil
}

// Static 固定配置
func Static(cfg *config.TrialConfig) ConfigSource {
	return staticConfig{cfg: cfg}
}

// Deps 会话依赖的协作方
type Deps struct {
	Configs  ConfigSource
	Gateways gateway.Factory
	Store    *telemetry.Store
	Handoff  upload.Handoff
	Encoder  encoder.Encoder
	Logs     *logger.WebSocketLogger // 为nil时不提供 /logs

	// SessionOptions 附加到每个会话的选项
	SessionOptions []session.Option
}

// Server 试验服务器
type Server struct {
	config   *ServerConfig
	deps     Deps
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader

	listener net.Listener

	// 会话管理
	sessions  sync.Map // map[string]*session.Controller
	connCount atomic.Int32
	connWg    sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// 统计信息
	totalSessions   atomic.Uint64
	completedTrials atomic.Uint64
	fatalSessions   atomic.Uint64
	rejected        atomic.Uint64
	startTime       time.Time

	isRunning atomic.Bool
}

// New 创建服务器
func New(config *ServerConfig, deps Deps) *Server {
	if config == nil {
		config = DefaultServerConfig(":8080")
	}
	if deps.Handoff == nil {
		deps.Handoff = &upload.LogHandoff{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		deps:   deps,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    config.ReadBufferSize,
			WriteBufferSize:   config.WriteBufferSize,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		baseCtx:    ctx,
		cancelBase: cancel,
		startTime:  time.Now(),
	}

	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Addr:              config.Addr,
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(loggingMiddleware)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.deps.Logs != nil {
		s.router.HandleFunc("/logs", s.deps.Logs.HandleWebSocket)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, time.Since(start))
	})
}

// Handler HTTP处理器（包含CORS）
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 监听并在后台提供服务
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	log.Printf("Starting trial server on %s", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Addr 实际监听地址，未启动时返回配置地址
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Shutdown 结束所有会话并关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	log.Printf("Shutting down trial server...")

	// 取消会话上下文，每个控制器会执行End
	s.cancelBase()

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("Timed out waiting for sessions to finish")
	}

	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleWebSocket 升级连接并在当前协程中运行一个会话
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.connCount.Load() >= int32(s.config.MaxConnections) {
		s.rejected.Add(1)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	trialCfg, err := s.deps.Configs.Snapshot()
	if err != nil {
		http.Error(w, "Configuration unavailable", http.StatusInternalServerError)
		log.Printf("Config snapshot failed: %v", err)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.connWg.Add(1)
	s.connCount.Add(1)
	defer func() {
		s.connCount.Add(-1)
		s.connWg.Done()
	}()

	ch := channel.NewWebSocket(wsConn, &channel.WebSocketConfig{
		InboxSize:    s.config.InboxSize,
		WriteTimeout: s.config.WriteTimeout,
		ReadLimit:    512 * 1024,
	})
	defer ch.Close()

	s.runSession(r.RemoteAddr, trialCfg, ch)
}

func (s *Server) runSession(remote string, trialCfg *config.TrialConfig, ch channel.Channel) {
	ctx := s.baseCtx

	gw, err := s.deps.Gateways(ctx, trialCfg.ActionSpace)
	if err != nil {
		s.fatalSessions.Add(1)
		log.Printf("Gateway creation failed for %s: %v", remote, err)
		return
	}

	opts := []session.Option{session.WithHandoff(s.deps.Handoff)}
	if s.deps.Store != nil {
		opts = append(opts, session.WithStore(s.deps.Store))
	}
	if s.deps.Encoder != nil {
		opts = append(opts, session.WithEncoder(s.deps.Encoder))
	}
	opts = append(opts, s.deps.SessionOptions...)

	ctrl, err := session.New(trialCfg, ch, gw, opts...)
	if err != nil {
		gw.Close()
		s.fatalSessions.Add(1)
		log.Printf("Session creation failed for %s: %v", remote, err)
		return
	}

	id := ctrl.TrialID()
	s.sessions.Store(id, ctrl)
	s.totalSessions.Add(1)
	defer s.sessions.Delete(id)

	logger.LogInfo("server", "New session from "+remote, id)

	err = ctrl.Run(ctx)
	switch {
	case err == nil:
		s.completedTrials.Add(1)
	case errors.Is(err, context.Canceled):
		logger.LogInfo("server", "Session cancelled by shutdown", id)
	case errors.Is(err, channel.ErrChannelClosed):
		logger.LogWarning("server", "Client disconnected before trial finished", id)
	default:
		s.fatalSessions.Add(1)
		logger.LogError("server", fmt.Sprintf("Session failed: %v", err), id)
	}
}

// Stats 服务器统计
type Stats struct {
	Running         bool            `json:"running"`
	Uptime          float64         `json:"uptimeSeconds"`
	CurrentSessions int             `json:"currentSessions"`
	TotalSessions   uint64          `json:"totalSessions"`
	CompletedTrials uint64          `json:"completedTrials"`
	FatalSessions   uint64          `json:"fatalSessions"`
	Rejected        uint64          `json:"rejected"`
	Sessions        []session.Stats `json:"sessions"`
	Config          map[string]any  `json:"config,omitempty"`
}

// GetStats 获取统计信息
func (s *Server) GetStats() Stats {
	stats := Stats{
		Running:         s.isRunning.Load(),
		Uptime:          time.Since(s.startTime).Seconds(),
		TotalSessions:   s.totalSessions.Load(),
		CompletedTrials: s.completedTrials.Load(),
		FatalSessions:   s.fatalSessions.Load(),
		Rejected:        s.rejected.Load(),
		Sessions:        []session.Stats{},
	}
	s.sessions.Range(func(_, value any) bool {
		stats.Sessions = append(stats.Sessions, value.(*session.Controller).Stats())
		return true
	})
	stats.CurrentSessions = len(stats.Sessions)

	if sm, ok := s.deps.Configs.(ConfigSummarizer); ok {
		if summary, err := sm.Summary(); err == nil {
			stats.Config = summary
		} else {
			log.Printf("Config summary unavailable: %v", err)
		}
	}
	return stats
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.GetStats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
