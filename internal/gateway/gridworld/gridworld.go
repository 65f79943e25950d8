// Package gridworld 内置的演示环境：方块在网格上追逐目标。
// 仅用于在没有外部智能体时让服务可以端到端运行。
package gridworld

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"GoTrialRunner/internal/gateway"
)

// GameName 本环境接受的游戏名
const GameName = "gridworld"

// Config 环境配置
type Config struct {
	Size       int    // 网格边长（格）
	CellPixels int    // 每格像素数
	MaxSteps   int    // 单回合最大步数，超过后回合结束
	Seed       uint64 // 目标位置随机种子
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Size:       8,
		CellPixels: 16,
		MaxSteps:   200,
		Seed:       1,
	}
}

type point struct{ X, Y int }

// Env 网格世界环境，实现 gateway.Gateway
type Env struct {
	config  *Config
	actions []string // 动作编码 -> 动作名

	mu      sync.Mutex
	rng     *rand.Rand
	started bool
	closed  bool
	agent   point
	goal    point
	steps   int
	episode int
}

// New 创建环境，actions 为会话配置的动作空间
func New(config *Config, actions []string) *Env {
	if config == nil {
		config = DefaultConfig()
	}
	return &Env{
		config:  config,
		actions: append([]string{}, actions...),
		rng:     rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}
}

// Start 启动环境
func (e *Env) Start(ctx context.Context, game string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if game != "" && game != GameName {
		return fmt.Errorf("gridworld: unknown game %q", game)
	}
	if e.closed {
		return gateway.ErrClosed
	}
	e.started = true
	e.placeLocked()
	return nil
}

// Reset 开始新回合
func (e *Env) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLocked(); err != nil {
		return err
	}
	e.episode++
	e.placeLocked()
	return nil
}

// placeLocked 智能体放在左上角，目标随机放置但不与智能体重合
func (e *Env) placeLocked() {
	e.steps = 0
	e.agent = point{0, 0}
	for {
		e.goal = point{e.rng.IntN(e.config.Size), e.rng.IntN(e.config.Size)}
		if e.goal != e.agent {
			return
		}
	}
}

// Step 执行一步
func (e *Env) Step(ctx context.Context, action int) (gateway.StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLocked(); err != nil {
		return gateway.StepResult{}, err
	}

	name := ""
	if action >= 0 && action < len(e.actions) {
		name = e.actions[action]
	}

	switch name {
	case "left":
		e.agent.X = max(0, e.agent.X-1)
	case "right":
		e.agent.X = min(e.config.Size-1, e.agent.X+1)
	case "up":
		e.agent.Y = max(0, e.agent.Y-1)
	case "down":
		e.agent.Y = min(e.config.Size-1, e.agent.Y+1)
	}
	e.steps++

	reached := e.agent == e.goal
	reward := -0.01
	if reached {
		reward = 1.0
	}

	return gateway.StepResult{
		Done: reached || e.steps >= e.config.MaxSteps,
		Fields: map[string]any{
			"observation": map[string]any{
				"agent": []int{e.agent.X, e.agent.Y},
				"goal":  []int{e.goal.X, e.goal.Y},
			},
			"reward": reward,
			"info": map[string]any{
				"step":      e.steps,
				"episode":   e.episode,
				"action":    action,
				"truncated": !reached && e.steps >= e.config.MaxSteps,
			},
		},
	}, nil
}

// Render 渲染当前状态为RGB缓冲区
func (e *Env) Render(ctx context.Context) (gateway.RawFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLocked(); err != nil {
		return gateway.RawFrame{}, err
	}

	side := e.config.Size * e.config.CellPixels
	frame := gateway.RawFrame{
		Width:    side,
		Height:   side,
		Channels: 3,
		Pix:      make([]byte, side*side*3),
	}

	for y := 0; y < side; y++ {
		for x := 0; x < side; x++ {
			cell := point{x / e.config.CellPixels, y / e.config.CellPixels}
			r, g, b := byte(32), byte(32), byte(40)
			switch {
			case cell == e.agent:
				r, g, b = 40, 160, 255
			case cell == e.goal:
				r, g, b = 250, 200, 40
			case (cell.X+cell.Y)%2 == 0:
				r, g, b = 48, 48, 58
			}
			i := (y*side + x) * 3
			frame.Pix[i], frame.Pix[i+1], frame.Pix[i+2] = r, g, b
		}
	}

	return frame, nil
}

// Close 释放环境
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Env) checkLocked() error {
	if e.closed {
		return gateway.ErrClosed
	}
	if !e.started {
		return gateway.ErrNotStarted
	}
	return nil
}

// Factory 返回为每个会话创建新环境的工厂
func Factory(config *Config) gateway.Factory {
	return func(ctx context.Context, actions []string) (gateway.Gateway, error) {
		return New(config, actions), nil
	}
}
