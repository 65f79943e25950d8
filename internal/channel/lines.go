package channel

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// MaxLineSize 单行消息大小限制
const MaxLineSize = 512 * 1024

// Lines 以换行分隔消息的流式通道，用于作为子进程通过stdin/stdout与父进程通信。
// 后台读协程把每一行放入有界缓冲区，满了丢弃最旧的一条。
type Lines struct {
	w io.Writer

	inbox    chan string
	readDone chan struct{}
	readErr  error

	writeMu sync.Mutex
	closed  atomic.Bool

	received atomic.Uint64
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

// NewLines 从 r 读取、向 w 写入，inboxSize 为入站缓冲大小
func NewLines(r io.Reader, w io.Writer, inboxSize int) *Lines {
	if inboxSize <= 0 {
		inboxSize = 256
	}

	l := &Lines{
		w:        w,
		inbox:    make(chan string, inboxSize),
		readDone: make(chan struct{}),
	}
	go l.readLoop(r)
	return l
}

func (l *Lines) readLoop(r io.Reader) {
	defer close(l.readDone)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for scanner.Scan() {
		if l.closed.Load() {
			return
		}
		l.received.Add(1)
		l.push(scanner.Text())
	}
	l.readErr = scanner.Err()
}

// push 放入缓冲区，满时丢弃最旧的一条
func (l *Lines) push(payload string) {
	select {
	case l.inbox <- payload:
		return
	default:
	}

	select {
	case <-l.inbox:
		l.dropped.Add(1)
	default:
	}

	select {
	case l.inbox <- payload:
	default:
		l.dropped.Add(1)
	}
}

// TryReceive 非阻塞接收，输入结束且缓冲区取空后返回 ErrChannelClosed
func (l *Lines) TryReceive() (string, bool, error) {
	if l.closed.Load() {
		return "", false, ErrChannelClosed
	}

	select {
	case payload := <-l.inbox:
		return payload, true, nil
	default:
	}

	select {
	case <-l.readDone:
		select {
		case payload := <-l.inbox:
			return payload, true, nil
		default:
		}
		if l.readErr != nil {
			return "", false, fmt.Errorf("%w: %v", ErrChannelClosed, l.readErr)
		}
		return "", false, ErrChannelClosed
	default:
		return "", false, nil
	}
}

// Send 写入一行
func (l *Lines) Send(payload string) error {
	if l.closed.Load() {
		return ErrChannelClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if _, err := io.WriteString(l.w, payload+"\n"); err != nil {
		return fmt.Errorf("line write failed: %w", err)
	}
	l.sent.Add(1)
	return nil
}

// Close 关闭通道，不关闭底层的读写端
func (l *Lines) Close() error {
	l.closed.Store(true)
	return nil
}

// Stats 通道统计信息
func (l *Lines) Stats() map[string]uint64 {
	return map[string]uint64{
		"received": l.received.Load(),
		"dropped":  l.dropped.Load(),
		"sent":     l.sent.Load(),
	}
}
