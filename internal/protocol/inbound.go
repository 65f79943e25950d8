package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ParseErrorText 无法解析的消息会被替换成带有该文本的错误记录
const ParseErrorText = "unable to parse message"

// MaxMessageDepth 入站消息允许的最大嵌套层数（顶层对象为第1层），
// 超过的消息按解析失败处理，保证遥测文件总能被读回
const MaxMessageDepth = 64

// 入站消息字段名
const (
	FieldUserID          = "userId"
	FieldCommand         = "command"
	FieldChangeFrameRate = "changeFrameRate"
	FieldAction          = "action"
	FieldError           = "error"
	FieldFrameID         = "frameId"
)

// MessageKind 入站消息的分支类型，命令、帧率、动作三者互斥
type MessageKind int

const (
	MsgOther MessageKind = iota // 只携带其他字段（或只有userId）
	MsgCommand
	MsgFrameRate
	MsgAction
	MsgParseError
)

func (k MessageKind) String() string {
	switch k {
	case MsgOther:
		return "OTHER"
	case MsgCommand:
		return "COMMAND"
	case MsgFrameRate:
		return "FRAME_RATE"
	case MsgAction:
		return "ACTION"
	case MsgParseError:
		return "PARSE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Command 远程控制命令
type Command string

const (
	CommandStart     Command = "start"
	CommandStop      Command = "stop"
	CommandReset     Command = "reset"
	CommandPause     Command = "pause"
	CommandRequestUI Command = "requestui"
)

// Inbound 在边界处一次性解码的入站消息
type Inbound struct {
	Kind MessageKind

	// 身份识别与分支互相独立，可以和任意分支同时出现
	HasUserID bool
	UserID    string

	Command   Command // 已去空格并转小写
	FrameRate string  // 已去空格并转小写
	Action    string  // 已去空格并转小写

	// Raw 原样记录到回合日志中的消息内容
	Raw map[string]any
}

// DecodeInbound 解析一条入站文本消息。
// 无法解析为JSON对象或嵌套过深时返回 MsgParseError 类型的错误记录，frameID 为当前帧号。
func DecodeInbound(payload string, frameID uint64) Inbound {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil || raw == nil {
		return ParseErrorMessage(frameID)
	}
	if tooDeep(raw, MaxMessageDepth) {
		return ParseErrorMessage(frameID)
	}

	msg := Inbound{Kind: MsgOther, Raw: raw}

	if v, ok := raw[FieldUserID]; ok {
		msg.HasUserID = true
		msg.UserID = userIDString(v)
	}

	// 优先级：command > changeFrameRate > action
	if s, ok := presentString(raw, FieldCommand); ok {
		msg.Kind = MsgCommand
		msg.Command = Command(normalize(s))
	} else if s, ok := presentString(raw, FieldChangeFrameRate); ok {
		msg.Kind = MsgFrameRate
		msg.FrameRate = normalize(s)
	} else if s, ok := presentString(raw, FieldAction); ok {
		msg.Kind = MsgAction
		msg.Action = normalize(s)
	}

	return msg
}

// ParseErrorMessage 构造解析失败时的合成错误记录
func ParseErrorMessage(frameID uint64) Inbound {
	return Inbound{
		Kind: MsgParseError,
		Raw: map[string]any{
			FieldError:   ParseErrorText,
			FieldFrameID: frameID,
		},
	}
}

// tooDeep 判断值的嵌套层数是否超过 limit
func tooDeep(v any, limit int) bool {
	switch x := v.(type) {
	case map[string]any:
		if limit <= 0 {
			return true
		}
		for _, e := range x {
			if tooDeep(e, limit-1) {
				return true
			}
		}
	case []any:
		if limit <= 0 {
			return true
		}
		for _, e := range x {
			if tooDeep(e, limit-1) {
				return true
			}
		}
	}
	return false
}

// presentString 字段存在且为非空字符串才视为存在
func presentString(raw map[string]any, key string) (string, bool) {
	v, ok := raw[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func userIDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case bool:
		if !id {
			return ""
		}
		return "true"
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return fmt.Sprint(id)
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
