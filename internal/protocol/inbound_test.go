package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		kind      MessageKind
		command   Command
		frameRate string
		action    string
		hasUserID bool
		userID    string
	}{
		{name: "identification only", payload: `{"userId":"u1"}`, kind: MsgOther, hasUserID: true, userID: "u1"},
		{name: "empty user id", payload: `{"userId":""}`, kind: MsgOther, hasUserID: true},
		{name: "null user id", payload: `{"userId":null}`, kind: MsgOther, hasUserID: true},
		{name: "numeric user id", payload: `{"userId":42}`, kind: MsgOther, hasUserID: true, userID: "42"},
		{name: "command normalized", payload: `{"command":"  START "}`, kind: MsgCommand, command: CommandStart},
		{name: "requestUI mixed case", payload: `{"command":"requestUI"}`, kind: MsgCommand, command: CommandRequestUI},
		{name: "command beats action", payload: `{"command":"pause","action":"left"}`, kind: MsgCommand, command: CommandPause},
		{name: "frame rate beats action", payload: `{"changeFrameRate":"Faster","action":"left"}`, kind: MsgFrameRate, frameRate: "faster"},
		{name: "empty command falls through", payload: `{"command":"","action":"Left "}`, kind: MsgAction, action: "left"},
		{name: "non-string command ignored", payload: `{"command":5,"changeFrameRate":"50"}`, kind: MsgFrameRate, frameRate: "50"},
		{name: "user id with command", payload: `{"userId":"u2","command":"start"}`, kind: MsgCommand, command: CommandStart, hasUserID: true, userID: "u2"},
		{name: "other fields", payload: `{"hello":"world"}`, kind: MsgOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := DecodeInbound(tt.payload, 7)
			assert.Equal(t, tt.kind, msg.Kind)
			assert.Equal(t, tt.command, msg.Command)
			assert.Equal(t, tt.frameRate, msg.FrameRate)
			assert.Equal(t, tt.action, msg.Action)
			assert.Equal(t, tt.hasUserID, msg.HasUserID)
			assert.Equal(t, tt.userID, msg.UserID)
			assert.NotNil(t, msg.Raw)
		})
	}
}

// TestDecodeInboundMalformed 测试无法解析的消息被替换为错误记录
func TestDecodeInboundMalformed(t *testing.T) {
	for _, payload := range []string{"", "{", "not json", "42", `"str"`, "[1,2]", "null"} {
		msg := DecodeInbound(payload, 12)
		assert.Equal(t, MsgParseError, msg.Kind, payload)
		assert.Equal(t, ParseErrorText, msg.Raw[FieldError])
		assert.Equal(t, uint64(12), msg.Raw[FieldFrameID])
		assert.False(t, msg.HasUserID)
	}
}

// nestedPayload 构造总嵌套层数为 depth 的消息（顶层对象算第1层）
func nestedPayload(depth int) string {
	inner := depth - 1
	return `{"action":"left","x":` + strings.Repeat("[", inner) + strings.Repeat("]", inner) + `}`
}

// TestDecodeInboundDepthLimit 测试嵌套过深的消息按解析失败处理
func TestDecodeInboundDepthLimit(t *testing.T) {
	msg := DecodeInbound(nestedPayload(MaxMessageDepth), 3)
	assert.Equal(t, MsgAction, msg.Kind)
	assert.Equal(t, "left", msg.Action)

	msg = DecodeInbound(nestedPayload(MaxMessageDepth+1), 3)
	assert.Equal(t, MsgParseError, msg.Kind)
	assert.Equal(t, ParseErrorText, msg.Raw[FieldError])
	assert.Equal(t, uint64(3), msg.Raw[FieldFrameID])

	msg = DecodeInbound(`{"a":{"b":{"c":[{"d":1}]}}}`, 0)
	assert.Equal(t, MsgOther, msg.Kind)
}

// TestDecodeInboundKeepsRaw 测试原始字段被完整保留
func TestDecodeInboundKeepsRaw(t *testing.T) {
	msg := DecodeInbound(`{"action":"left","extra":{"x":1},"ts":1699999999000}`, 0)
	assert.Equal(t, "left", msg.Raw[FieldAction])
	assert.Equal(t, map[string]any{"x": float64(1)}, msg.Raw["extra"])
	assert.Equal(t, float64(1699999999000), msg.Raw["ts"])
}

// FuzzDecodeInbound 模糊测试入站解码，任何输入都不应panic且必有记录
func FuzzDecodeInbound(f *testing.F) {
	f.Add(`{"userId":"u1"}`)
	f.Add(`{"command":"start"}`)
	f.Add(`{"changeFrameRate":"faster"}`)
	f.Add(`{"action":"left"}`)
	f.Add(`{`)
	f.Add("")

	f.Fuzz(func(t *testing.T, payload string) {
		msg := DecodeInbound(payload, 3)
		if msg.Raw == nil {
			t.Fatalf("decoded message has no raw record")
		}
		if msg.Kind == MsgParseError && msg.Raw[FieldFrameID] != uint64(3) {
			t.Fatalf("parse error record missing frameId")
		}
	})
}
