package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"GoTrialRunner/internal/channel"
	"GoTrialRunner/internal/config"
	"GoTrialRunner/internal/database"
	"GoTrialRunner/internal/encoder"
	"GoTrialRunner/internal/gateway"
	"GoTrialRunner/internal/gateway/gridworld"
	"GoTrialRunner/internal/gateway/remote"
	"GoTrialRunner/internal/logger"
	"GoTrialRunner/internal/server"
	"GoTrialRunner/internal/session"
	"GoTrialRunner/internal/telemetry"
	"GoTrialRunner/internal/upload"
	"GoTrialRunner/internal/wsclient"
)

func main() {
	var (
		mode       = flag.String("mode", "demo", "运行模式: demo, server, agent, child, replay, client")
		configPath = flag.String("config", "", "配置文件路径（默认搜索 .trialConfig.yml）")
		addr       = flag.String("addr", "", "监听地址，覆盖配置文件")
		watch      = flag.Bool("watch", true, "配置文件变化时热加载")
		url        = flag.String("url", "ws://localhost:8080/ws", "WebSocket连接URL")
		userID     = flag.String("user", "demo-user", "客户端用户标识")
		actions    = flag.String("actions", "right,down,right,down", "客户端循环发送的动作（逗号分隔）")
		interval   = flag.Duration("interval", 200*time.Millisecond, "客户端发送动作的间隔")
		timeout    = flag.Duration("timeout", 5*time.Minute, "客户端最长运行时间")
		verify     = flag.Bool("verify", false, "回放模式下用内置网格世界重新执行并比较结果")
	)
	flag.Parse()

	logger.InitLogger()

	switch *mode {
	case "demo":
		runDemo()
	case "server":
		runServer(*configPath, *addr, *watch)
	case "agent":
		runAgent(*addr)
	case "child":
		runChild(*configPath)
	case "replay":
		runReplay(*configPath, flag.Args(), *verify)
	case "client":
		runClient(*url, *userID, splitActions(*actions), *interval, *timeout)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}
}

// runDemo 打印使用说明
func runDemo() {
	fmt.Println("🚀 GoTrialRunner - 人机交互试验会话服务")
	fmt.Println("=================================================")
	fmt.Println()

	fmt.Println("📋 项目特性:")
	fmt.Println("  ✅ WebSocket远程控制 + 帧流推送")
	fmt.Println("  ✅ 帧率调节 / 回合与试验生命周期")
	fmt.Println("  ✅ CBOR遥测记录（可选zstd压缩）")
	fmt.Println("  ✅ gRPC远程智能体")
	fmt.Println("  ✅ 上传交接台账（PostgreSQL）")
	fmt.Println()

	fmt.Println("🔧 快速开始:")
	fmt.Println("  # 启动试验服务器（内置网格世界）")
	fmt.Println("  go run main.go -mode=server")
	fmt.Println()
	fmt.Println("  # 单独运行智能体宿主，并在配置中设置 server.agentAddr")
	fmt.Println("  go run main.go -mode=agent -addr=:50051")
	fmt.Println()
	fmt.Println("  # 作为子进程运行单个会话（标准输入/输出逐行收发消息）")
	fmt.Println("  go run main.go -mode=child -config=.trialConfig.yml")
	fmt.Println()
	fmt.Println("  # 运行脚本客户端")
	fmt.Println("  go run main.go -mode=client -user=alice")
	fmt.Println()
	fmt.Println("  # 查看遥测文件")
	fmt.Println("  go run main.go -mode=replay -verify Trials/trial_alice")
}

// runServer 运行试验服务器
func runServer(configPath, addr string, watch bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cm := config.NewConfigManager(
		config.WithConfigPath(configPath),
		config.WithWatchEnabled(watch),
		config.WithReloadHook(func(cfg *config.Config) {
			logger.LogInfo("config", "Trial configuration reloaded; applies to new sessions", "")
		}),
	)
	cfg, err := cm.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logs := logger.InitGlobalLogger()
	defer logs.Stop()

	handoff := upload.Multi{&upload.LogHandoff{}}
	if cfg.Server.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.Server.DatabaseURL, nil)
		if err != nil {
			log.Fatalf("连接数据库失败: %v", err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			log.Fatalf("初始化数据表失败: %v", err)
		}
		handoff = append(handoff, upload.NewLedger(pool))
	}

	factory, closeFactory, err := gatewayFactory(cfg.Server.AgentAddr)
	if err != nil {
		log.Fatalf("创建网关失败: %v", err)
	}
	defer closeFactory()

	srv := server.New(server.FromConfig(&cfg.Server), server.Deps{
		Configs:  cm,
		Gateways: factory,
		Store:    telemetry.NewStore(cfg.Server.TelemetryDir, cfg.Server.Compression),
		Handoff:  handoff,
		Encoder:  encoder.NewJPEG(cfg.Server.JPEGQuality),
		Logs:     logs,
	})

	if err := srv.Start(); err != nil {
		log.Fatalf("启动服务器失败: %v", err)
	}

	fmt.Printf("✅ 服务器已启动，监听地址: %s\n", srv.Addr())
	fmt.Printf("📊 统计信息: http://%s/stats\n", srv.Addr())
	fmt.Printf("🎮 WebSocket端点: ws://%s/ws\n", srv.Addr())
	fmt.Printf("📜 日志流: ws://%s/logs\n", srv.Addr())

	<-ctx.Done()
	fmt.Println("\n🔄 正在关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务器关闭错误: %v", err)
	}

	fmt.Println("✅ 服务器已关闭")
}

// gatewayFactory 配置了智能体地址时使用远程智能体，否则使用内置网格世界
func gatewayFactory(agentAddr string) (gateway.Factory, func(), error) {
	if agentAddr == "" {
		return gridworld.Factory(nil), func() {}, nil
	}

	conn, err := remote.Dial(agentAddr)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("Using remote agent at %s", agentAddr)
	return remote.Factory(conn), func() { conn.Close() }, nil
}

// runAgent 以gRPC方式提供内置网格世界
func runAgent(addr string) {
	if addr == "" {
		addr = ":50051"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("监听失败: %v", err)
	}

	fmt.Printf("🤖 智能体宿主已启动: %s\n", lis.Addr())
	if err := remote.Serve(ctx, lis, gridworld.Factory(nil)); err != nil {
		log.Fatalf("智能体宿主错误: %v", err)
	}
}

// runChild 在标准输入/输出上运行单个会话，供父进程逐行收发消息。
// 上传交接消息写回同一条输出流，日志只写标准错误。
func runChild(configPath string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, _, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.SetOutput(os.Stderr)

	ch := channel.NewLines(os.Stdin, os.Stdout, 256)
	defer ch.Close()

	handoff := upload.Multi{&upload.LogHandoff{}, upload.NewChannelHandoff(ch)}
	if cfg.Server.DatabaseURL != "" {
		pool, err := database.Connect(ctx, cfg.Server.DatabaseURL, nil)
		if err != nil {
			log.Fatalf("连接数据库失败: %v", err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			log.Fatalf("初始化数据表失败: %v", err)
		}
		handoff = append(handoff, upload.NewLedger(pool))
	}

	factory, closeFactory, err := gatewayFactory(cfg.Server.AgentAddr)
	if err != nil {
		log.Fatalf("创建网关失败: %v", err)
	}
	defer closeFactory()

	gw, err := factory(ctx, cfg.Trial.ActionSpace)
	if err != nil {
		log.Fatalf("创建网关失败: %v", err)
	}

	ctrl, err := session.New(&cfg.Trial, ch, gw,
		session.WithStore(telemetry.NewStore(cfg.Server.TelemetryDir, cfg.Server.Compression)),
		session.WithEncoder(encoder.NewJPEG(cfg.Server.JPEGQuality)),
		session.WithHandoff(handoff),
	)
	if err != nil {
		log.Fatalf("创建会话失败: %v", err)
	}

	if err := ctrl.Run(ctx); err != nil {
		log.Printf("会话结束: %v", err)
		os.Exit(1)
	}

	stats := ch.Stats()
	log.Printf("会话完成: 收到 %d 条, 丢弃 %d 条, 发送 %d 条", stats["received"], stats["dropped"], stats["sent"])
}

// runReplay 把遥测文件解码为JSON输出并打印统计，未指定文件时读取遥测目录下的所有文件。
// verify 为真时用内置网格世界按记录重新执行试验并比较每一步的结果。
func runReplay(configPath string, paths []string, verify bool) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	if len(paths) == 0 {
		entries, err := os.ReadDir(cfg.Server.TelemetryDir)
		if err != nil {
			log.Fatalf("读取遥测目录失败: %v", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				paths = append(paths, filepath.Join(cfg.Server.TelemetryDir, e.Name()))
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	var all []telemetry.Entry
	for _, path := range paths {
		batches, err := telemetry.ReadFile(path)
		if err != nil {
			log.Printf("读取 %s 失败: %v", path, err)
			continue
		}
		for _, batch := range batches {
			if err := enc.Encode(map[string]any{
				"file":     filepath.Base(path),
				"episodes": batch.Episodes,
			}); err != nil {
				log.Fatalf("输出失败: %v", err)
			}
		}
		all = append(all, telemetry.Entries(batches)...)
	}

	summary := telemetry.Summarize(all)
	fmt.Fprintf(os.Stderr, "📊 回合: %d  步数: %d  消息: %d  解析失败: %d  总奖励: %.3f  平均步间隔: %v\n",
		summary.Episodes, summary.Steps, summary.Messages, summary.ParseErrors, summary.TotalReward, summary.AverageInterval)

	if !verify {
		return
	}

	replayer := session.NewReplayer(&cfg.Trial, gridworld.New(nil, cfg.Trial.ActionSpace), nil)
	stats, err := replayer.Replay(context.Background(), all)
	if err != nil {
		log.Fatalf("回放失败: %v", err)
	}
	fmt.Fprintf(os.Stderr, "🔁 回放: 步数 %d  一致 %d  不一致 %d  缺失 %d  多出 %d\n",
		stats.Steps, stats.Matched, stats.Diverged, stats.Missing, stats.Extra)
}

// runClient 运行脚本客户端：识别、开始，然后循环发送动作直到试验结束
func runClient(url, userID string, actions []string, interval, timeout time.Duration) {
	fmt.Printf("🔥 连接 %s (user=%s)\n", url, userID)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := wsclient.New(wsclient.DefaultClientConfig(url, userID))
	defer client.Close()

	client.SetUIHandler(func(ui []string) {
		fmt.Printf("🎛️  UI: %v\n", ui)
	})

	if err := client.Connect(ctx); err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	if err := client.SendCommand("start"); err != nil {
		log.Fatalf("发送命令失败: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-client.Done():
			if err := client.Wait(ctx); err != nil {
				log.Printf("试验未正常结束: %v", err)
			}
			printClientStats(client)
			return
		case <-ctx.Done():
			log.Printf("客户端退出: %v", ctx.Err())
			printClientStats(client)
			return
		case <-ticker.C:
			if len(actions) == 0 {
				continue
			}
			if err := client.SendAction(actions[i%len(actions)]); err != nil {
				log.Printf("发送动作失败: %v", err)
			}
		}
	}
}

func printClientStats(client *wsclient.Client) {
	fmt.Println("📊 客户端统计:")
	for k, v := range client.GetStats() {
		fmt.Printf("  %s: %v\n", k, v)
	}
}

func splitActions(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
