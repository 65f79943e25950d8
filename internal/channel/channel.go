package channel

import "errors"

var (
	// ErrChannelClosed 对端已断开或通道已关闭
	ErrChannelClosed = errors.New("channel closed")
	// ErrChannelFull 发送缓冲区已满
	ErrChannelFull = errors.New("channel buffer full")
)

// Channel 会话与远程客户端之间的双工通道，负载为不透明文本
type Channel interface {
	// TryReceive 非阻塞接收；没有消息时 ok 为 false。
	// 通道关闭且缓冲区已取空后返回 ErrChannelClosed。
	TryReceive() (payload string, ok bool, err error)
	// Send 发送一条文本消息
	Send(payload string) error
	// Close 关闭通道，可重复调用
	Close() error
}
