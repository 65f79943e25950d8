package gateway

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

var (
	// ErrInvalidRawFrame 渲染结果无法转换为标准图像格式
	ErrInvalidRawFrame = errors.New("invalid raw frame")
	// ErrNotStarted 在Start之前调用了其他方法
	ErrNotStarted = errors.New("gateway not started")
	// ErrClosed 网关已关闭
	ErrClosed = errors.New("gateway closed")
)

// Gateway 智能体/环境的外部协作接口
type Gateway interface {
	Start(ctx context.Context, game string) error
	Reset(ctx context.Context) error
	Step(ctx context.Context, action int) (StepResult, error)
	Render(ctx context.Context) (RawFrame, error)
	Close() error
}

// Factory 为每个连接创建独立的网关，actionSpace 为该会话的动作空间快照
type Factory func(ctx context.Context, actionSpace []string) (Gateway, error)

// StepResult 单步执行结果
type StepResult struct {
	Done   bool
	Fields map[string]any // 观测、奖励、辅助信息等需要记录的内容
}

// FieldDone 步结果中的结束标志字段
const FieldDone = "done"

// Record 合并done标志后的可记录映射
func (r StepResult) Record() map[string]any {
	record := make(map[string]any, len(r.Fields)+1)
	maps.Copy(record, r.Fields)
	record[FieldDone] = r.Done
	return record
}

// StepResultFromMap 从任意映射构造步结果，done 缺失或非布尔时视为 false
func StepResultFromMap(m map[string]any) StepResult {
	fields := make(map[string]any, len(m))
	done := false
	for k, v := range m {
		if k == FieldDone {
			done, _ = v.(bool)
			continue
		}
		fields[k] = v
	}
	return StepResult{Done: done, Fields: fields}
}

// RawFrame 行优先的原始像素缓冲区
type RawFrame struct {
	Width    int    `cbor:"w" json:"width"`
	Height   int    `cbor:"h" json:"height"`
	Channels int    `cbor:"c" json:"channels"` // 1=灰度 3=RGB 4=RGBA
	Pix      []byte `cbor:"p" json:"-"`
}

// Validate 检查尺寸与缓冲区长度是否一致
func (f RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidRawFrame, f.Width, f.Height)
	}
	switch f.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("%w: unsupported channel count %d", ErrInvalidRawFrame, f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Pix) != want {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidRawFrame, want, len(f.Pix))
	}
	return nil
}
