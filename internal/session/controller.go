package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"GoTrialRunner/internal/channel"
	"GoTrialRunner/internal/config"
	"GoTrialRunner/internal/encoder"
	"GoTrialRunner/internal/gateway"
	"GoTrialRunner/internal/logger"
	"GoTrialRunner/internal/protocol"
	"GoTrialRunner/internal/telemetry"
	"GoTrialRunner/internal/upload"
)

const module = "session"

// Option 控制器选项
type Option func(*Controller)

// WithEncoder 设置帧编码器
func WithEncoder(enc encoder.Encoder) Option {
	return func(c *Controller) { c.enc = enc }
}

// WithStore 设置遥测存储
func WithStore(store *telemetry.Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithHandoff 设置上传交接
func WithHandoff(h upload.Handoff) Option {
	return func(c *Controller) { c.handoff = h }
}

// WithSleep 替换节拍等待函数
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithTrialID 指定试验ID
func WithTrialID(id string) Option {
	return func(c *Controller) { c.trialID = id }
}

// Controller 单个会话的控制器。
// mu 保护全部可变状态，Run 在每次循环期间持有它；
// Stats 读取每次释放 mu 时发布的快照，不会被网关或通道I/O阻塞。
type Controller struct {
	cfg     *config.TrialConfig
	ch      channel.Channel
	gw      gateway.Gateway
	enc     encoder.Encoder
	store   *telemetry.Store
	handoff upload.Handoff
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu sync.Mutex

	trialID       string
	userID        string
	identified    bool
	started       bool
	state         State
	frameID       uint64
	episode       int
	pendingAction int
	frameRate     int

	lastRecord map[string]any
	epLog      []telemetry.Entry
	trialLog   [][]telemetry.Entry
	segment    *telemetry.Segment

	messagesIn  uint64
	parseErrors uint64
	framesSent  uint64
	steps       uint64
	startedAt   time.Time

	// snapshot 每次释放 mu 前发布，Stats 读取它而不必等待正在进行的I/O
	snapshot atomic.Pointer[Stats]
}

// New 创建控制器，cfg 会被复制，之后的修改不影响本会话
func New(cfg *config.TrialConfig, ch channel.Channel, gw gateway.Gateway, opts ...Option) (*Controller, error) {
	if cfg == nil {
		cfg = config.DefaultTrialConfig()
	}
	cfg = cfg.Clone()
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ch == nil || gw == nil {
		return nil, errors.New("session: channel and gateway are required")
	}

	c := &Controller{
		cfg:     cfg,
		ch:      ch,
		gw:      gw,
		enc:     encoder.NewJPEG(0),
		store:   telemetry.NewStore("", config.CompressionNone),
		handoff: &upload.LogHandoff{},
		sleep:   sleepContext,
		now:     time.Now,
		trialID: uuid.NewString(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.pendingAction = cfg.DefaultAction()
	c.frameRate = cfg.StartingFrameRate
	c.startedAt = c.now()
	c.publishLocked()
	return c, nil
}

// Start 启动网关，Run 会在需要时自动调用
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlock()
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.started {
		return nil
	}
	if err := c.gw.Start(ctx, c.cfg.Game); err != nil {
		return fatal(OpStart, err)
	}
	c.started = true
	logger.LogInfo(module, fmt.Sprintf("Trial started (game=%s, frameRate=%d)", c.cfg.Game, c.frameRate), c.trialID)
	return nil
}

// Run 主循环：接收、分发、渲染并执行一步，然后按帧率等待。
// 正常结束返回nil；ctx取消时先执行End再返回 ctx.Err()；
// 通道关闭或输出侧失败时释放资源并返回错误。
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		c.mu.Lock()
		c.releaseLocked(context.WithoutCancel(ctx), false)
		c.unlock()
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.cancelled(ctx)
		}

		c.mu.Lock()
		err := c.tickLocked(ctx)
		ended := c.state == StateEnded
		interval := time.Second / time.Duration(c.frameRate)
		c.unlock()

		if err != nil {
			return c.fail(ctx, err)
		}
		if ended {
			c.logSummary()
			return nil
		}

		if err := c.sleep(ctx, interval); err != nil {
			return c.cancelled(ctx)
		}
	}
}

// Tick 执行一次循环（不等待）
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.startLocked(ctx); err != nil {
		return err
	}
	return c.tickLocked(ctx)
}

func (c *Controller) tickLocked(ctx context.Context) error {
	if c.state == StateEnded {
		return nil
	}

	payload, ok, err := c.ch.TryReceive()
	if err != nil {
		return err
	}
	if ok {
		if err := c.dispatchLocked(ctx, protocol.DecodeInbound(payload, c.frameID)); err != nil {
			return err
		}
	}

	if c.state == StatePlaying {
		if err := c.renderLocked(ctx); err != nil {
			return err
		}
		return c.stepLocked(ctx)
	}
	return nil
}

// cancelled ctx结束时的收尾
func (c *Controller) cancelled(ctx context.Context) error {
	if err := c.End(context.WithoutCancel(ctx)); err != nil {
		logger.LogWarning(module, fmt.Sprintf("End after cancel failed: %v", err), c.trialID)
	}
	return ctx.Err()
}

// fail 不可恢复错误：释放资源但不发送 done
func (c *Controller) fail(ctx context.Context, err error) error {
	if errors.Is(err, channel.ErrChannelClosed) {
		logger.LogWarning(module, fmt.Sprintf("Channel closed: %v", err), c.trialID)
	} else {
		logger.LogError(module, err.Error(), c.trialID)
	}

	c.mu.Lock()
	if c.state != StateEnded {
		for _, relErr := range c.releaseLocked(context.WithoutCancel(ctx), false) {
			logger.LogWarning(module, fmt.Sprintf("Release failed: %v", relErr), c.trialID)
		}
	}
	c.unlock()
	return err
}

// Dispatch 解码并处理一条入站消息
func (c *Controller) Dispatch(ctx context.Context, payload string) error {
	c.mu.Lock()
	defer c.unlock()
	return c.dispatchLocked(ctx, protocol.DecodeInbound(payload, c.frameID))
}

func (c *Controller) dispatchLocked(ctx context.Context, msg protocol.Inbound) error {
	if c.state == StateEnded {
		return nil
	}

	c.messagesIn++
	if msg.Kind == protocol.MsgParseError {
		c.parseErrors++
		logger.LogWarning(module, fmt.Sprintf("Unparseable message at frame %d", c.frameID), c.trialID)
	}
	c.record(telemetry.EntryMessage, msg.Raw)

	if !c.identified && msg.HasUserID {
		if err := c.identifyLocked(ctx, msg.UserID); err != nil {
			return err
		}
	}

	switch msg.Kind {
	case protocol.MsgCommand:
		return c.commandLocked(ctx, msg.Command)
	case protocol.MsgFrameRate:
		c.changeFrameRateLocked(msg.FrameRate)
	case protocol.MsgAction:
		c.pendingAction = c.cfg.ActionCode(msg.Action)
	}
	return nil
}

// identifyLocked 首次识别用户：发送UI、重置、立即发送一帧
func (c *Controller) identifyLocked(ctx context.Context, userID string) error {
	if userID == "" {
		userID = "user_" + uuid.NewString()
	}
	c.userID = userID
	c.identified = true
	logger.LogInfo(module, "User identified: "+userID, c.trialID)

	if err := c.sendUILocked(); err != nil {
		return err
	}
	if err := c.resetLocked(ctx); err != nil {
		return err
	}
	if c.state == StateEnded {
		return nil
	}
	return c.renderLocked(ctx)
}

func (c *Controller) commandLocked(ctx context.Context, cmd protocol.Command) error {
	switch cmd {
	case protocol.CommandStart:
		return c.transitionLocked(StatePlaying)
	case protocol.CommandStop:
		return c.endLocked(ctx)
	case protocol.CommandReset:
		return c.resetLocked(ctx)
	case protocol.CommandPause:
		if c.state == StatePlaying {
			return c.transitionLocked(StatePaused)
		}
	case protocol.CommandRequestUI:
		return c.sendUILocked()
	default:
		logger.LogWarning(module, fmt.Sprintf("Ignoring unknown command %q", cmd), c.trialID)
	}
	return nil
}

func (c *Controller) transitionLocked(to State) error {
	next, err := c.state.next(to)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

// changeFrameRateLocked faster/slower 按步长调整，数字请求必须严格位于 (min, max) 之间
func (c *Controller) changeFrameRateLocked(change string) {
	if !c.cfg.AllowFrameRateChange {
		return
	}

	step, lo, hi := c.cfg.FrameRateStepSize, c.cfg.MinFrameRate, c.cfg.MaxFrameRate
	switch {
	case change == "faster" && c.frameRate+step < hi:
		c.frameRate += step
	case change == "slower" && c.frameRate-step > lo:
		c.frameRate -= step
	default:
		requested, err := strconv.Atoi(change)
		if err == nil && requested > lo && requested < hi {
			c.frameRate = requested
		}
	}
}

func (c *Controller) sendUILocked() error {
	msg, err := protocol.EncodeUIMessage(c.cfg.UI)
	if err != nil {
		return fatal(OpEncode, err)
	}
	return fatal(OpSend, c.ch.Send(msg))
}

// renderLocked 渲染、编码并发送一帧，成功编码后帧号加一
func (c *Controller) renderLocked(ctx context.Context) error {
	raw, err := c.gw.Render(ctx)
	if err != nil {
		return fatal(OpRender, err)
	}
	frame, err := c.enc.Encode(raw)
	if err != nil {
		return fatal(OpEncode, err)
	}

	c.frameID++
	msg, err := protocol.EncodeFrameMessage(frame, c.frameID)
	if err != nil {
		return fatal(OpEncode, err)
	}
	if err := c.ch.Send(msg); err != nil {
		return fatal(OpSend, err)
	}
	c.framesSent++
	return nil
}

// stepLocked 执行一步，回合结束时落盘并重置
func (c *Controller) stepLocked(ctx context.Context) error {
	result, err := c.gw.Step(ctx, c.pendingAction)
	if err != nil {
		return fatal(OpStep, err)
	}
	c.steps++
	c.lastRecord = result.Record()
	c.record(telemetry.EntryStep, c.lastRecord)

	if !result.Done {
		return nil
	}
	if err := c.saveEpisodeLocked(); err != nil {
		return err
	}
	return c.resetLocked(ctx)
}

// Reset 开始新回合，达到最大回合数时结束试验
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlock()
	return c.resetLocked(ctx)
}

func (c *Controller) resetLocked(ctx context.Context) error {
	if c.state == StateEnded {
		return nil
	}
	// 先判断试验是否结束，再增加回合数
	if c.episode >= c.cfg.MaxEpisodes {
		return c.endLocked(ctx)
	}

	if err := c.gw.Reset(ctx); err != nil {
		return fatal(OpReset, err)
	}

	if c.cfg.DataFile == config.DataFileEpisode {
		if c.segment != nil {
			seg := c.segment
			c.segment = nil
			if err := seg.Close(); err != nil {
				return fatal(OpTelemetry, err)
			}
			if c.cfg.S3Upload {
				c.handoffLocked(ctx, seg)
			}
		}
		if err := c.openSegmentLocked(); err != nil {
			return err
		}
	} else if c.segment == nil {
		if err := c.openSegmentLocked(); err != nil {
			return err
		}
	}

	c.episode++
	logger.LogInfo(module, fmt.Sprintf("Episode %d/%d started", c.episode, c.cfg.MaxEpisodes), c.trialID)
	return nil
}

// End 结束试验，重复调用无副作用
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlock()
	return c.endLocked(ctx)
}

func (c *Controller) endLocked(ctx context.Context) error {
	if c.state == StateEnded {
		return nil
	}

	sendErr := c.ch.Send(protocol.DoneToken)
	errs := c.releaseLocked(ctx, true)
	if sendErr != nil {
		errs = append([]error{fatal(OpSend, sendErr)}, errs...)
	}

	logger.LogSuccess(module, fmt.Sprintf("Trial finished after %d episodes, %d frames", c.episode, c.frameID), c.trialID)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// releaseLocked 关闭网关、落盘剩余日志、关闭文件，最后进入终态。
// 每一步都会执行，返回途中遇到的所有错误。
func (c *Controller) releaseLocked(ctx context.Context, handoff bool) []error {
	var errs []error

	if c.started {
		if err := c.gw.Close(); err != nil {
			errs = append(errs, fatal(OpClose, err))
		}
	}

	if err := c.flushLocked(); err != nil {
		errs = append(errs, err)
	}

	if c.segment != nil {
		seg := c.segment
		c.segment = nil
		if err := seg.Close(); err != nil {
			errs = append(errs, fatal(OpTelemetry, err))
		}
		if handoff {
			c.handoffLocked(ctx, seg)
		}
	}

	c.state = StateEnded
	return errs
}

// flushLocked 结束时写出尚未落盘的数据
func (c *Controller) flushLocked() error {
	if c.cfg.DataFile == config.DataFileTrial {
		if len(c.epLog) > 0 {
			c.trialLog = append(c.trialLog, c.epLog)
			c.epLog = nil
		}
		if len(c.trialLog) == 0 && c.segment == nil {
			return nil
		}
		if err := c.ensureSegmentLocked(); err != nil {
			return err
		}
		if err := c.segment.WriteTrial(c.trialLog); err != nil {
			return fatal(OpTelemetry, err)
		}
		c.trialLog = nil
		return nil
	}

	if len(c.epLog) == 0 {
		return nil
	}
	return c.saveEpisodeLocked()
}

// saveEpisodeLocked 回合结束：试验模式放入累积日志，回合模式直接写文件
func (c *Controller) saveEpisodeLocked() error {
	if c.cfg.DataFile == config.DataFileTrial {
		c.trialLog = append(c.trialLog, c.epLog)
		c.epLog = nil
		return nil
	}

	if err := c.ensureSegmentLocked(); err != nil {
		return err
	}
	if err := c.segment.WriteEpisode(c.epLog); err != nil {
		return fatal(OpTelemetry, err)
	}
	c.epLog = nil
	return nil
}

func (c *Controller) ensureSegmentLocked() error {
	if c.segment != nil {
		return nil
	}
	return c.openSegmentLocked()
}

func (c *Controller) openSegmentLocked() error {
	// 身份识别之前用试验ID命名，不同会话不会写入同一个文件
	user := c.userID
	if user == "" {
		user = c.trialID
	}

	name := telemetry.EpisodeFileName(c.episode, user)
	if c.cfg.DataFile == config.DataFileTrial {
		name = telemetry.TrialFileName(user)
	}

	seg, err := c.store.Open(name)
	if err != nil {
		return fatal(OpTelemetry, err)
	}
	c.segment = seg
	return nil
}

// handoffLocked 上传交接失败只记录日志
func (c *Controller) handoffLocked(ctx context.Context, seg *telemetry.Segment) {
	req := upload.Request{
		ProjectID: c.cfg.ProjectID,
		UserID:    c.userID,
		File:      seg.Name(),
		Path:      seg.Path(),
		Bucket:    c.cfg.Bucket,
	}
	if err := c.handoff.Handoff(ctx, req); err != nil {
		logger.LogWarning(module, fmt.Sprintf("Upload handoff for %s failed: %v", seg.Name(), err), c.trialID)
	}
}

func (c *Controller) record(kind telemetry.EntryKind, payload map[string]any) {
	c.epLog = append(c.epLog, telemetry.Entry{
		Kind:    kind,
		Episode: c.episode,
		FrameID: c.frameID,
		At:      c.now(),
		Payload: payload,
	})
}

func (c *Controller) logSummary() {
	s := c.Stats()
	logger.LogInfo(module, fmt.Sprintf("Summary: user=%s episodes=%d frames=%d steps=%d messages=%d parseErrors=%d",
		s.UserID, s.Episode, s.FrameID, s.Steps, s.MessagesIn, s.ParseErrors), c.trialID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
