// Package telemetry 持久化步级遥测数据。
//
// 文件是只追加的二进制记录流，每条记录使用 protocol 的记录头，
// 记录体为CBOR编码的条目列表，可选zstd压缩（记录类型带 FlagZstd）。
// 回合模式下每个回合一个文件，一条 EPISODE_BATCH；
// 试验模式下每个试验一个文件，结束时写入一条 TRIAL_BATCH。
package telemetry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"GoTrialRunner/internal/config"
	"GoTrialRunner/internal/protocol"
)

var (
	// ErrSegmentClosed 向已关闭的段写入
	ErrSegmentClosed = errors.New("telemetry segment closed")
	// ErrUnknownKind 记录类型无法识别
	ErrUnknownKind = errors.New("unknown telemetry record kind")
	// ErrTruncated 文件末尾存在不完整的记录
	ErrTruncated = errors.New("truncated telemetry record")
)

// EntryKind 条目来源
type EntryKind string

const (
	// EntryMessage 原样记录的入站消息
	EntryMessage EntryKind = "message"
	// EntryStep 环境单步结果
	EntryStep EntryKind = "step"
)

// Entry 一条遥测记录
type Entry struct {
	Kind    EntryKind      `cbor:"k" json:"kind"`
	Episode int            `cbor:"e" json:"episode"`
	FrameID uint64         `cbor:"f" json:"frameId"`
	At      time.Time      `cbor:"t" json:"at"`
	Payload map[string]any `cbor:"p" json:"payload"`
}

// Batch 从文件中读出的一条记录
type Batch struct {
	Kind     uint16    `json:"-"`
	Episodes [][]Entry `json:"episodes"`
}

// EpisodeFileName 回合模式文件名
func EpisodeFileName(episode int, userID string) string {
	return fmt.Sprintf("episode_%d_user_%s", episode, sanitize(userID))
}

// TrialFileName 试验模式文件名
func TrialFileName(userID string) string {
	return "trial_" + sanitize(userID)
}

// sanitize userId 来自远端，不允许出现路径分隔符等字符
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, strings.ReplaceAll(s, "..", "__"))
}

// Store 遥测文件目录
type Store struct {
	Dir         string
	Compression string // config.CompressionNone | config.CompressionZstd
}

// NewStore 创建存储
func NewStore(dir, compression string) *Store {
	if dir == "" {
		dir = "Trials"
	}
	return &Store{Dir: dir, Compression: compression}
}

// Open 以追加方式打开 <dir>/<name>
func (s *Store) Open(name string) (*Segment, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry dir: %w", err)
	}

	path := filepath.Join(s.Dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open telemetry segment: %w", err)
	}

	return &Segment{
		file:     f,
		name:     name,
		path:     path,
		compress: s.Compression == config.CompressionZstd,
	}, nil
}

// Segment 一个打开的遥测文件，关闭后不可再写
type Segment struct {
	mu       sync.Mutex
	file     *os.File
	name     string
	path     string
	compress bool
	written  int64
	closed   bool
}

// Name 文件名
func (s *Segment) Name() string { return s.name }

// Path 完整路径
func (s *Segment) Path() string { return s.path }

// Written 已写入字节数
func (s *Segment) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// WriteEpisode 写入一个回合的全部条目
func (s *Segment) WriteEpisode(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	return s.write(protocol.KindEpisodeBatch, entries)
}

// WriteTrial 一次性写入整个试验
func (s *Segment) WriteTrial(episodes [][]Entry) error {
	if episodes == nil {
		episodes = [][]Entry{}
	}
	return s.write(protocol.KindTrialBatch, episodes)
}

func (s *Segment) write(kind uint16, v any) error {
	data, err := encodeBatch(kind, v, s.compress)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	n, err := s.file.Write(data)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write %s to %s: %w", protocol.KindToString(kind), s.name, err)
	}
	return nil
}

// Close 同步并关闭文件，可重复调用
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to sync %s: %w", s.name, err)
	}
	return s.file.Close()
}
