package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DoneToken 试验结束时发送给远程客户端的字面量
const DoneToken = "done"

// DefaultUI 未配置UI时发送的默认控件列表
var DefaultUI = []string{"left", "right", "up", "down", "start", "pause"}

var ErrUnknownOutbound = errors.New("unknown outbound message")

// FrameMessage 渲染帧消息
type FrameMessage struct {
	Frame   string `json:"frame"`
	FrameID uint64 `json:"frameId"`
}

// UIMessage UI控件描述消息
type UIMessage struct {
	UI []string `json:"UI"`
}

// UploadInfo 上传交接的元数据
type UploadInfo struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	File      string `json:"file"`
	Path      string `json:"path"`
	Bucket    string `json:"bucket,omitempty"`
}

// UploadMessage 发给上传协作方（而非远程客户端）的交接消息
type UploadMessage struct {
	Upload UploadInfo `json:"upload"`
}

// EncodeFrameMessage 序列化帧消息
func EncodeFrameMessage(frame string, frameID uint64) (string, error) {
	data, err := json.Marshal(FrameMessage{Frame: frame, FrameID: frameID})
	if err != nil {
		return "", fmt.Errorf("marshal frame message failed: %w", err)
	}
	return string(data), nil
}

// EncodeUIMessage 序列化UI描述消息，ui为空时使用默认控件
func EncodeUIMessage(ui []string) (string, error) {
	if len(ui) == 0 {
		ui = DefaultUI
	}
	data, err := json.Marshal(UIMessage{UI: ui})
	if err != nil {
		return "", fmt.Errorf("marshal UI message failed: %w", err)
	}
	return string(data), nil
}

// EncodeUploadMessage 序列化上传交接消息
func EncodeUploadMessage(info UploadInfo) (string, error) {
	data, err := json.Marshal(UploadMessage{Upload: info})
	if err != nil {
		return "", fmt.Errorf("marshal upload message failed: %w", err)
	}
	return string(data), nil
}

// OutboundKind 出站消息类型（客户端解析使用）
type OutboundKind int

const (
	OutFrame OutboundKind = iota + 1
	OutUI
	OutDone
	OutUpload
)

// Outbound 客户端侧解析后的出站消息
type Outbound struct {
	Kind   OutboundKind
	Frame  *FrameMessage
	UI     []string
	Upload *UploadInfo
}

// DecodeOutbound 解析服务端发出的消息
func DecodeOutbound(payload string) (*Outbound, error) {
	if payload == DoneToken {
		return &Outbound{Kind: OutDone}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("decode outbound failed: %w", err)
	}

	switch {
	case fields["frame"] != nil:
		var msg FrameMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode frame message failed: %w", err)
		}
		return &Outbound{Kind: OutFrame, Frame: &msg}, nil
	case fields["UI"] != nil:
		var msg UIMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode UI message failed: %w", err)
		}
		return &Outbound{Kind: OutUI, UI: msg.UI}, nil
	case fields["upload"] != nil:
		var msg UploadMessage
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode upload message failed: %w", err)
		}
		return &Outbound{Kind: OutUpload, Upload: &msg.Upload}, nil
	default:
		return nil, ErrUnknownOutbound
	}
}
