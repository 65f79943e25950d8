package session

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{StateIdle, StatePlaying, true},
		{StateIdle, StatePaused, false},
		{StateIdle, StateEnded, true},
		{StatePlaying, StatePlaying, true},
		{StatePlaying, StatePaused, true},
		{StatePlaying, StateIdle, false},
		{StatePaused, StatePlaying, true},
		{StatePaused, StateEnded, true},
		{StateEnded, StatePlaying, false},
		{StateEnded, StateEnded, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
			_, err := tt.from.next(tt.to)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestFatalErrorUnwrap(t *testing.T) {
	err := fatal(OpSend, os.ErrClosed)
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Contains(t, err.Error(), "send")
	assert.Nil(t, fatal(OpSend, nil))
}

// telemetryBlock 在 path 处创建普通文件
func telemetryBlock(path string) error {
	return os.WriteFile(path, []byte("x"), 0o644)
}
