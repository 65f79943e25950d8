package session

import "fmt"

// 致命错误发生的阶段
const (
	OpStart     = "start"
	OpRender    = "render"
	OpEncode    = "encode"
	OpSend      = "send"
	OpStep      = "step"
	OpReset     = "reset"
	OpTelemetry = "telemetry"
	OpClose     = "close"
)

// FatalError 输出侧的不可恢复错误，不重试，会话随之结束
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("session %s failed: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}
