// Package upload 处理遥测文件轮换后的上传交接。
//
// 控制器只负责发出交接请求，真正的对象存储上传由外部进程完成。
// 所有实现都必须可被多个会话并发调用。
package upload

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"GoTrialRunner/internal/channel"
	"GoTrialRunner/internal/protocol"
)

// Request 一次上传交接
type Request struct {
	ProjectID string
	UserID    string
	File      string
	Path      string
	Bucket    string
}

// Info 转换为出站消息结构
func (r Request) Info() protocol.UploadInfo {
	return protocol.UploadInfo{
		ProjectID: r.ProjectID,
		UserID:    r.UserID,
		File:      r.File,
		Path:      r.Path,
		Bucket:    r.Bucket,
	}
}

// Message 编码为 {"upload":{...}}
func (r Request) Message() (string, error) {
	return protocol.EncodeUploadMessage(r.Info())
}

// Handoff 上传交接
type Handoff interface {
	Handoff(ctx context.Context, req Request) error
}

// HandoffFunc 函数适配器
type HandoffFunc func(ctx context.Context, req Request) error

// Handoff 实现 Handoff
func (f HandoffFunc) Handoff(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// LogHandoff 只记录日志
type LogHandoff struct {
	count atomic.Uint64
}

// Handoff 实现 Handoff
func (h *LogHandoff) Handoff(ctx context.Context, req Request) error {
	msg, err := req.Message()
	if err != nil {
		return err
	}
	h.count.Add(1)
	log.Printf("Upload handoff: %s", msg)
	return nil
}

// Count 已交接次数
func (h *LogHandoff) Count() uint64 {
	return h.count.Load()
}

// ChannelHandoff 把上传消息转发给父进程
type ChannelHandoff struct {
	mu sync.Mutex
	ch channel.Channel
}

// NewChannelHandoff 创建通道交接
func NewChannelHandoff(ch channel.Channel) *ChannelHandoff {
	return &ChannelHandoff{ch: ch}
}

// Handoff 实现 Handoff
func (h *ChannelHandoff) Handoff(ctx context.Context, req Request) error {
	msg, err := req.Message()
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.ch.Send(msg); err != nil {
		return fmt.Errorf("upload handoff send failed: %w", err)
	}
	return nil
}

// Multi 依次交给每个实现，全部执行完后返回第一个错误
type Multi []Handoff

// Handoff 实现 Handoff
func (m Multi) Handoff(ctx context.Context, req Request) error {
	var errs []error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := h.Handoff(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Errorf("%w (and %d more)", errs[0], len(errs)-1)
}

// Discard 丢弃所有交接
var Discard Handoff = HandoffFunc(func(context.Context, Request) error { return nil })

// ErrNoDatabase 台账未配置数据库
var ErrNoDatabase = errors.New("upload ledger has no database")
