package channel

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer 可并发写入的缓冲区
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func receiveAll(t *testing.T, l *Lines) ([]string, error) {
	t.Helper()

	var payloads []string
	var lastErr error
	require.Eventually(t, func() bool {
		for {
			payload, ok, err := l.TryReceive()
			if err != nil {
				lastErr = err
				return true
			}
			if !ok {
				return false
			}
			payloads = append(payloads, payload)
		}
	}, 2*time.Second, 5*time.Millisecond)
	return payloads, lastErr
}

func TestLinesRoundTrip(t *testing.T) {
	out := &syncBuffer{}
	l := NewLines(strings.NewReader("{\"userId\":\"u1\"}\n{\"command\":\"start\"}\n"), out, 8)

	payloads, err := receiveAll(t, l)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, []string{`{"userId":"u1"}`, `{"command":"start"}`}, payloads)

	// 输入结束后仍可写出
	require.NoError(t, l.Send(`{"frame":"x","frameId":1}`))
	require.NoError(t, l.Send("done"))
	assert.Equal(t, "{\"frame\":\"x\",\"frameId\":1}\ndone\n", out.String())
	assert.Equal(t, uint64(2), l.Stats()["sent"])
}

func TestLinesDropsOldest(t *testing.T) {
	pr, pw := io.Pipe()
	l := NewLines(pr, io.Discard, 2)

	_, err := io.WriteString(pw, "1\n2\n3\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l.Stats()["received"] == 3 },
		2*time.Second, 5*time.Millisecond)

	var payloads []string
	for {
		payload, ok, err := l.TryReceive()
		require.NoError(t, err)
		if !ok {
			break
		}
		payloads = append(payloads, payload)
	}
	assert.Equal(t, []string{"2", "3"}, payloads)
	assert.Equal(t, uint64(1), l.Stats()["dropped"])

	require.NoError(t, pw.Close())
	_, err = receiveAll(t, l)
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestLinesClose(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	l := NewLines(pr, io.Discard, 2)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, _, err := l.TryReceive()
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, l.Send("x"), ErrChannelClosed)
}

func TestLinesTooLong(t *testing.T) {
	long := strings.Repeat("a", MaxLineSize+1) + "\n"
	l := NewLines(strings.NewReader(long), io.Discard, 2)

	_, err := receiveAll(t, l)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Zero(t, l.Stats()["received"])
}
