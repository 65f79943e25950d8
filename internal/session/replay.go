package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"GoTrialRunner/internal/channel"
	"GoTrialRunner/internal/config"
	"GoTrialRunner/internal/gateway"
	"GoTrialRunner/internal/protocol"
	"GoTrialRunner/internal/telemetry"
	"GoTrialRunner/internal/upload"
)

// ReplaySpeed 回放速度
type ReplaySpeed float64

const (
	SpeedSlow    ReplaySpeed = 0.5 // 慢速回放
	SpeedNormal  ReplaySpeed = 1.0 // 按记录时间回放
	SpeedFast    ReplaySpeed = 2.0 // 快速回放
	SpeedInstant ReplaySpeed = 0.0 // 瞬间回放（无延迟）
)

// unparseablePayload 重放解析失败的消息时发送的内容
const unparseablePayload = "\x00"

// ReplayConfig 回放配置
type ReplayConfig struct {
	Speed   ReplaySpeed
	Options []Option // 传给回放控制器的选项（存储、交接等）
}

// ReplayEvent 一步回放的结果
type ReplayEvent struct {
	Recorded telemetry.Entry // 记录中的步结果
	Replayed map[string]any  // 重新执行得到的步结果，没有执行时为nil
	Match    bool
}

// ReplayStats 回放统计
type ReplayStats struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Messages  int           `json:"messages"`
	Steps     int           `json:"steps"`
	Matched   int           `json:"matched"`
	Diverged  int           `json:"diverged"`
	Missing   int           `json:"missing"` // 记录中有但回放时没有发生的步
	Extra     int           `json:"extra"`   // 回放时多出来的步
	Frames    int           `json:"frames"`
	Done      bool          `json:"done"`
}

// ReplayCallback 每一步回放后调用
type ReplayCallback func(event *ReplayEvent)

// Replayer 把记录的入站消息按原顺序重新驱动一个控制器，
// 并逐步比较网关的步结果与记录是否一致。
// 需要完整的试验记录（试验模式文件，或按顺序拼接的全部回合文件）。
type Replayer struct {
	cfg       *config.TrialConfig
	gw        gateway.Gateway
	config    *ReplayConfig
	callbacks []ReplayCallback
	stats     ReplayStats
}

// NewReplayer 创建回放器
func NewReplayer(cfg *config.TrialConfig, gw gateway.Gateway, rc *ReplayConfig) *Replayer {
	if rc == nil {
		rc = &ReplayConfig{Speed: SpeedInstant}
	}
	// 默认写入临时目录且不交接，调用方的选项排在后面可以覆盖
	opts := []Option{
		WithStore(telemetry.NewStore(filepath.Join(os.TempDir(), "trial-replay"), config.CompressionNone)),
		WithHandoff(upload.Discard),
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	}
	rc = &ReplayConfig{Speed: rc.Speed, Options: append(opts, rc.Options...)}
	return &Replayer{cfg: cfg, gw: gw, config: rc}
}

// AddCallback 添加回放回调
func (r *Replayer) AddCallback(callback ReplayCallback) {
	r.callbacks = append(r.callbacks, callback)
}

// Stats 回放统计
func (r *Replayer) Stats() ReplayStats {
	return r.stats
}

// Replay 执行回放，返回统计信息
func (r *Replayer) Replay(ctx context.Context, entries []telemetry.Entry) (ReplayStats, error) {
	local, peer := channel.NewPipe(len(entries) + 16)
	defer local.Close()

	ctrl, err := New(r.cfg, local, r.gw, r.config.Options...)
	if err != nil {
		return r.stats, err
	}
	if err := ctrl.Start(ctx); err != nil {
		return r.stats, err
	}

	r.stats = ReplayStats{StartTime: time.Now()}
	defer func() { r.stats.Duration = time.Since(r.stats.StartTime) }()

	var prev time.Time
	for i := 0; i < len(entries) && !ctrl.Done(); {
		entry := entries[i]
		if err := r.wait(ctx, prev, entry.At); err != nil {
			return r.stats, err
		}
		prev = entry.At

		if entry.Kind == telemetry.EntryMessage {
			if err := peer.Send(replayPayload(entry.Payload)); err != nil {
				return r.stats, err
			}
			r.stats.Messages++
			i++
		}

		before := ctrl.Stats().Steps
		if err := ctrl.Tick(ctx); err != nil {
			return r.stats, err
		}
		r.drain(peer)

		if ctrl.Stats().Steps == before {
			if entry.Kind == telemetry.EntryStep {
				r.stats.Missing++
				r.emit(&ReplayEvent{Recorded: entry})
				i++
			}
			continue
		}

		replayed := ctrl.lastStep()
		if i < len(entries) && entries[i].Kind == telemetry.EntryStep {
			r.compare(entries[i], replayed)
			i++
		} else {
			r.stats.Extra++
			r.emit(&ReplayEvent{Replayed: replayed})
		}
	}

	if !ctrl.Done() {
		if err := ctrl.End(ctx); err != nil {
			return r.stats, err
		}
	}
	r.drain(peer)
	r.stats.Done = true
	return r.stats, nil
}

func (r *Replayer) compare(recorded telemetry.Entry, replayed map[string]any) {
	r.stats.Steps++
	match := sameRecord(recorded.Payload, replayed)
	if match {
		r.stats.Matched++
	} else {
		r.stats.Diverged++
	}
	r.emit(&ReplayEvent{Recorded: recorded, Replayed: replayed, Match: match})
}

func (r *Replayer) emit(event *ReplayEvent) {
	for _, cb := range r.callbacks {
		cb(event)
	}
}

// drain 读掉控制器发出的所有消息，避免管道写满
func (r *Replayer) drain(peer *channel.PipeEnd) {
	for {
		payload, ok, err := peer.TryReceive()
		if err != nil || !ok {
			return
		}
		if out, err := protocol.DecodeOutbound(payload); err == nil && out.Kind == protocol.OutFrame {
			r.stats.Frames++
		}
	}
}

// wait 按记录的时间间隔等待
func (r *Replayer) wait(ctx context.Context, prev, at time.Time) error {
	if r.config.Speed <= 0 || prev.IsZero() || at.IsZero() || !at.After(prev) {
		return ctx.Err()
	}
	return sleepContext(ctx, time.Duration(float64(at.Sub(prev))/float64(r.config.Speed)))
}

// replayPayload 把记录的消息还原成入站文本，解析失败的记录还原成无法解析的内容
func replayPayload(payload map[string]any) string {
	if payload[protocol.FieldError] == protocol.ParseErrorText {
		return unparseablePayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return unparseablePayload
	}
	return string(data)
}

// sameRecord 比较两个步结果，数字统一按JSON语义比较
func sameRecord(a, b map[string]any) bool {
	na, errA := normalizeRecord(a)
	nb, errB := normalizeRecord(b)
	if errA != nil || errB != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalizeRecord(m map[string]any) (any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("normalize step record: %w", err)
	}
	var out any
	err = json.Unmarshal(data, &out)
	return out, err
}
