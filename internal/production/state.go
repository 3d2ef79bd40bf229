package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"k8s.io/utils/clock"
)

// Status 产线整体状态
type Status string

const (
	StatusOff   Status = "OFF"
	StatusArmed Status = "ARMED" // 已配置目标与工单，等待全部工站就绪
	StatusOn    Status = "ON"
)

const (
	eventArm   = "arm"
	eventStart = "start"
	eventStop  = "stop"
)

var (
	ErrInvalidTarget = errors.New("target quantity must be positive")
	ErrAlreadyOn     = errors.New("production is already on")
)

// Meta ARMED/ON 期间的生产参数
type Meta struct {
	Target  int    `json:"target"`
	OrderID string `json:"order_id"`
	LogID   int64  `json:"log_id"`
}

// Snapshot 产线状态快照
type Snapshot struct {
	Status       Status        `json:"status"`
	Meta         Meta          `json:"meta"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	ChangedBy    string        `json:"changed_by,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	TimerRunning bool          `json:"timer_running"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Option 构造选项
type Option func(*State)

// WithArmedHook ARM 成功后 (锁外) 调用，用于触发就绪重新评估
func WithArmedHook(fn func(Snapshot)) Option {
	return func(s *State) { s.onArmed = fn }
}

func WithClock(clk clock.PassiveClock) Option {
	return func(s *State) { s.clock = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *State) { s.logger = logger }
}

// State 产线状态机 OFF -> ARMED -> ON -> OFF (ARMED 可直接手动停止回到 OFF)。
// 所有修改都在同一把锁内完成：操作员请求、设备事件与计时查询会并发调用。
type State struct {
	mu        sync.Mutex
	machine   *fsm.FSM
	meta      Meta
	startedAt time.Time
	changedBy string
	reason    string

	timerRunning bool
	timerStart   time.Time
	accumulated  time.Duration

	onArmed func(Snapshot)
	clock   clock.PassiveClock
	logger  *slog.Logger
}

// New 创建状态机，初始为 OFF
func New(opts ...Option) *State {
	s := &State{
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "production")
	s.machine = fsm.NewFSM(
		string(StatusOff),
		fsm.Events{
			{Name: eventArm, Src: []string{string(StatusOff), string(StatusArmed)}, Dst: string(StatusArmed)},
			{Name: eventStart, Src: []string{string(StatusOff), string(StatusArmed)}, Dst: string(StatusOn)},
			{Name: eventStop, Src: []string{string(StatusOff), string(StatusArmed), string(StatusOn)}, Dst: string(StatusOff)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.logger.Info("产线状态变更", "from", e.Src, "to", e.Dst, "event", e.Event)
			},
		},
	)
	return s
}

// fire 触发事件，自迁移 (ARMED -> ARMED, OFF -> OFF) 不视为错误
func (s *State) fire(event string) error {
	err := s.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		return fmt.Errorf("production %s: %w", event, err)
	}
	return nil
}

// Arm OFF/ARMED -> ARMED，保存目标数量、工单与生产日志句柄
func (s *State) Arm(target int, orderID string, logID int64) error {
	if target <= 0 {
		return ErrInvalidTarget
	}
	s.mu.Lock()
	if s.machine.Is(string(StatusOn)) {
		s.mu.Unlock()
		return ErrAlreadyOn
	}
	if err := s.fire(eventArm); err != nil {
		s.mu.Unlock()
		return err
	}
	s.meta = Meta{Target: target, OrderID: orderID, LogID: logID}
	snap := s.snapshotLocked()
	hook := s.onArmed
	s.mu.Unlock()

	if hook != nil {
		hook(snap)
	}
	return nil
}

// Start 幂等启动。已经 ON 时返回 false 且不做任何修改 (计时器不会被重置)。
// override 非零时覆盖 ARM 时记录的参数 (未经 ARM 的手动启动)。
func (s *State) Start(by, reason string, override Meta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Is(string(StatusOn)) {
		return false, nil
	}
	meta := s.meta
	if override.Target != 0 || override.OrderID != "" {
		meta = override
	}
	if meta.Target <= 0 {
		return false, ErrInvalidTarget
	}
	if err := s.fire(eventStart); err != nil {
		return false, err
	}
	s.meta = meta
	s.startedAt = s.clock.Now()
	s.changedBy = by
	s.reason = reason
	return true, nil
}

// Stop 任意状态 -> OFF，清除生产参数并返回停止前的快照。
// 已经是 OFF 时 changed 为 false。
func (s *State) Stop(by, reason string) (prev Snapshot, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.snapshotLocked()
	if s.machine.Is(string(StatusOff)) {
		return prev, false
	}
	if err := s.fire(eventStop); err != nil {
		s.logger.Error("停止产线失败", "error", err)
		return prev, false
	}
	s.meta = Meta{}
	s.startedAt = time.Time{}
	s.changedBy = by
	s.reason = reason
	return prev, true
}

// Status 返回当前状态
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status(s.machine.Current())
}

// Snapshot 返回当前快照
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		Status:       Status(s.machine.Current()),
		Meta:         s.meta,
		StartedAt:    s.startedAt,
		ChangedBy:    s.changedBy,
		Reason:       s.reason,
		TimerRunning: s.timerRunning,
		Elapsed:      s.elapsedLocked(),
	}
}

// StartTimer 开始或继续计时
func (s *State) StartTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timerRunning {
		return
	}
	s.timerRunning = true
	s.timerStart = s.clock.Now()
}

// PauseTimer 暂停计时，已累计时长保留
func (s *State) PauseTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.timerRunning {
		return
	}
	s.accumulated += s.clock.Since(s.timerStart)
	s.timerRunning = false
}

// ResetTimer 清零并停止计时
func (s *State) ResetTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timerRunning = false
	s.accumulated = 0
	s.timerStart = time.Time{}
}

// RestartTimer 清零后立即开始计时
func (s *State) RestartTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accumulated = 0
	s.timerRunning = true
	s.timerStart = s.clock.Now()
}

// Elapsed 累计时长 + 当前运行段时长
func (s *State) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *State) elapsedLocked() time.Duration {
	if !s.timerRunning {
		return s.accumulated
	}
	d := s.clock.Since(s.timerStart)
	if d < 0 {
		d = 0
	}
	return s.accumulated + d
}
