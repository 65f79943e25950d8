package session

import "time"

// Stats 会话状态快照
type Stats struct {
	TrialID     string        `json:"trialId"`
	UserID      string        `json:"userId"`
	Episode     int           `json:"episode"`
	FrameID     uint64        `json:"frameId"`
	FrameRate   int           `json:"frameRate"`
	State       string        `json:"state"`
	MessagesIn  uint64        `json:"messagesIn"`
	ParseErrors uint64        `json:"parseErrors"`
	FramesSent  uint64        `json:"framesSent"`
	Steps       uint64        `json:"steps"`
	Uptime      time.Duration `json:"uptime"`
}

// Stats 返回最近一次发布的统计，不等待正在执行的循环
func (c *Controller) Stats() Stats {
	var s Stats
	if p := c.snapshot.Load(); p != nil {
		s = *p
	}
	s.Uptime = c.now().Sub(c.startedAt)
	return s
}

// publishLocked 发布统计快照，调用方持有 mu
func (c *Controller) publishLocked() {
	c.snapshot.Store(&Stats{
		TrialID:     c.trialID,
		UserID:      c.userID,
		Episode:     c.episode,
		FrameID:     c.frameID,
		FrameRate:   c.frameRate,
		State:       c.state.String(),
		MessagesIn:  c.messagesIn,
		ParseErrors: c.parseErrors,
		FramesSent:  c.framesSent,
		Steps:       c.steps,
	})
}

// unlock 发布快照后释放 mu
func (c *Controller) unlock() {
	c.publishLocked()
	c.mu.Unlock()
}

// TrialID 试验ID，创建后不变
func (c *Controller) TrialID() string {
	return c.trialID
}

// State 当前状态
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done 试验是否已结束
func (c *Controller) Done() bool {
	return c.State() == StateEnded
}

// FrameRate 当前帧率
func (c *Controller) FrameRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameRate
}

// PendingAction 下一步将执行的动作编码
func (c *Controller) PendingAction() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingAction
}

// Episode 已开始的回合数
func (c *Controller) Episode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.episode
}

// FrameID 已渲染的帧数
func (c *Controller) FrameID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameID
}

// UserID 识别到的用户，未识别时为空
func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// lastStep 最近一步的可记录结果
func (c *Controller) lastStep() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRecord
}
