package session

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition 状态转换不在转换表中
var ErrInvalidTransition = errors.New("invalid session state transition")

// State 会话状态
type State int32

const (
	StateIdle    State = iota // 已创建，尚未开始播放
	StatePlaying              // 每个tick渲染并执行一步
	StatePaused               // 暂停，只处理消息
	StateEnded                // 终态
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// transitions 允许的状态转换，自身到自身视为无操作
var transitions = map[State][]State{
	StateIdle:    {StatePlaying, StateEnded},
	StatePlaying: {StatePaused, StateEnded},
	StatePaused:  {StatePlaying, StateEnded},
	StateEnded:   {},
}

// CanTransition 是否允许从 s 转换到 to
func (s State) CanTransition(to State) bool {
	if s == to {
		return s != StateEnded
	}
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// next 校验并返回目标状态
func (s State) next(to State) (State, error) {
	if !s.CanTransition(to) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, to)
	}
	return to, nil
}
