package channel

import (
	"context"
	"sync"
)

// PipeEnd 内存双工管道的一端
type PipeEnd struct {
	in   <-chan string
	out  chan<- string
	done chan struct{}
	once *sync.Once
}

// NewPipe 创建一对互联的管道端点，buffer为每个方向的缓冲大小
func NewPipe(buffer int) (*PipeEnd, *PipeEnd) {
	if buffer <= 0 {
		buffer = 64
	}

	aToB := make(chan string, buffer)
	bToA := make(chan string, buffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &PipeEnd{in: bToA, out: aToB, done: done, once: once}
	b := &PipeEnd{in: aToB, out: bToA, done: done, once: once}
	return a, b
}

// TryReceive 非阻塞接收
func (p *PipeEnd) TryReceive() (string, bool, error) {
	select {
	case payload := <-p.in:
		return payload, true, nil
	default:
	}

	select {
	case <-p.done:
		return "", false, ErrChannelClosed
	default:
		return "", false, nil
	}
}

// Recv 阻塞接收，直到有消息、通道关闭或ctx结束
func (p *PipeEnd) Recv(ctx context.Context) (string, error) {
	select {
	case payload := <-p.in:
		return payload, nil
	default:
	}

	select {
	case payload := <-p.in:
		return payload, nil
	case <-p.done:
		return "", ErrChannelClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send 非阻塞发送，缓冲区满时返回 ErrChannelFull
func (p *PipeEnd) Send(payload string) error {
	select {
	case <-p.done:
		return ErrChannelClosed
	default:
	}

	select {
	case p.out <- payload:
		return nil
	default:
		return ErrChannelFull
	}
}

// Close 关闭整条管道（两端同时关闭）
func (p *PipeEnd) Close() error {
	p.once.Do(func() {
		close(p.done)
	})
	return nil
}

// Pending 当前待读取的消息数
func (p *PipeEnd) Pending() int {
	return len(p.in)
}
