package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"assembly-line-supervisor/internal/event"
	"assembly-line-supervisor/internal/fsm"
	"assembly-line-supervisor/internal/notify"
	"assembly-line-supervisor/internal/pallet"
	"assembly-line-supervisor/internal/persistence"
	"assembly-line-supervisor/internal/production"
	"assembly-line-supervisor/internal/readiness"
	"assembly-line-supervisor/internal/station"
	"assembly-line-supervisor/internal/topic"
	"assembly-line-supervisor/internal/types"
	"assembly-line-supervisor/internal/vision"
)

// 停线原因
const (
	ReasonTargetReached = "meta atingida"
	ReasonManual        = "parada manual"
	ReasonAllReady      = "todos os postos prontos"
	ReasonSuperseded    = "substituída"
)

const alertDuration = 2500 * time.Millisecond

var ErrProductionOff = errors.New("production is not running")

// VisionConfig 视觉门参数，可热更新
type VisionConfig struct {
	Enabled bool
	// Stations 受视觉门控的工站，空表示全部工站
	Stations      []types.StationID
	MinStable     time.Duration
	MaxAge        time.Duration
	AlertCooldown time.Duration
}

// DefaultVisionConfig 0.5s 去抖，3s 过期，1s 告警冷却
func DefaultVisionConfig() VisionConfig {
	return VisionConfig{
		Enabled:       true,
		MinStable:     500 * time.Millisecond,
		MaxAge:        3 * time.Second,
		AlertCooldown: time.Second,
	}
}

// Config 监督器参数
type Config struct {
	Stations      int
	Model         string
	Vision        VisionConfig
	CameraEnabled bool
	Topics        topic.Scheme
}

// JobQueue 持久化任务提交
type JobQueue interface {
	Submit(job persistence.Job) bool
}

// LogStore 同步创建生产日志，返回日志句柄
type LogStore interface {
	CreateProductionLog(ctx context.Context, order string, target int, at time.Time) (int64, error)
}

// Supervisor 拥有全部工站、产线状态、视觉门与持久化队列。
// 设备事件按工站分发：同一工站的事件在该工站的 lane 锁内按到达顺序处理，
// 不同工站之间互不阻塞。
type Supervisor struct {
	stations   []*station.Station
	lanes      []sync.Mutex
	production *production.State
	gate       *vision.Gate
	parser     *vision.Parser
	topics     topic.Scheme
	model      string
	camera     bool

	cfgMu    sync.RWMutex
	vision   VisionConfig
	gated    map[types.StationID]bool
	limiters map[types.StationID]*rate.Limiter

	mu       sync.Mutex
	baseline int // 本工单开始时末工站的完成数

	pallets   *pallet.Table
	readiness *readiness.Tracker
	queue     JobQueue
	logs      LogStore
	notifier  notify.Notifier
	commander notify.Commander
	bus       *event.Bus
	clock     clock.WithTicker
	logger    *slog.Logger
}

// Option 构造选项
type Option func(*Supervisor)

func WithNotifier(n notify.Notifier) Option { return func(s *Supervisor) { s.notifier = n } }
func WithCommander(c notify.Commander) Option { return func(s *Supervisor) { s.commander = c } }
func WithQueue(q JobQueue) Option { return func(s *Supervisor) { s.queue = q } }
func WithLogStore(l LogStore) Option { return func(s *Supervisor) { s.logs = l } }
func WithPallets(t *pallet.Table) Option { return func(s *Supervisor) { s.pallets = t } }
func WithReadiness(r *readiness.Tracker) Option { return func(s *Supervisor) { s.readiness = r } }
func WithBus(b *event.Bus) Option { return func(s *Supervisor) { s.bus = b } }
func WithClock(clk clock.WithTicker) Option { return func(s *Supervisor) { s.clock = clk } }
func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// New 创建监督器
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.Stations < 1 {
		return nil, fmt.Errorf("line needs at least one station, got %d", cfg.Stations)
	}
	if cfg.Topics == (topic.Scheme{}) {
		cfg.Topics = topic.Default()
	}
	s := &Supervisor{
		lanes:     make([]sync.Mutex, cfg.Stations),
		topics:    cfg.Topics,
		model:     cfg.Model,
		camera:    cfg.CameraEnabled,
		notifier:  nopNotifier{},
		commander: nopCommander{},
		clock:     clock.RealClock{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	if s.pallets == nil {
		s.pallets = pallet.NewTable(nil)
	}
	if s.readiness == nil {
		tr, err := readiness.NewTracker(cfg.Stations, "")
		if err != nil {
			return nil, err
		}
		s.readiness = tr
	}

	s.gate = vision.NewGate(s.clock)
	s.parser = vision.NewParser(cfg.Topics.VisionRole)
	s.UpdateVision(cfg.Vision)

	s.production = production.New(
		production.WithClock(s.clock),
		production.WithLogger(s.logger),
		production.WithArmedHook(s.onArmed),
	)

	s.stations = make([]*station.Station, cfg.Stations)
	for i := range s.stations {
		s.stations[i] = station.New(types.StationID(i), cfg.Stations,
			station.WithSink(s),
			station.WithLookup(s.pallets),
			station.WithClock(s.clock),
			station.WithLogger(s.logger),
		)
	}
	return s, nil
}

// UpdateVision 替换视觉门参数并重置告警冷却
func (s *Supervisor) UpdateVision(cfg VisionConfig) {
	def := DefaultVisionConfig()
	if cfg.MinStable <= 0 {
		cfg.MinStable = def.MinStable
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	gated := make(map[types.StationID]bool, len(cfg.Stations))
	for _, id := range cfg.Stations {
		gated[id] = true
	}

	s.cfgMu.Lock()
	s.vision = cfg
	s.gated = gated
	s.limiters = make(map[types.StationID]*rate.Limiter)
	s.cfgMu.Unlock()
	s.logger.Info("视觉门参数", "enabled", cfg.Enabled, "min_stable", cfg.MinStable,
		"max_age", cfg.MaxAge, "cooldown", cfg.AlertCooldown, "stations", cfg.Stations)
}

// Stations 工站数量
func (s *Supervisor) Stations() int { return len(s.stations) }

// Gate 视觉门
func (s *Supervisor) Gate() *vision.Gate { return s.gate }

// Production 产线状态
func (s *Supervisor) Production() production.Snapshot { return s.production.Snapshot() }

func (s *Supervisor) valid(id types.StationID) bool {
	return id >= 0 && int(id) < len(s.stations)
}

func (s *Supervisor) last() *station.Station { return s.stations[len(s.stations)-1] }

// ---------------------------------------------------------------------------
// 设备事件
// ---------------------------------------------------------------------------

// HandleDeviceMessage 处理设备上报：时间令牌 (BS/BT1/BT2/BD) 或 NFC 标签
func (s *Supervisor) HandleDeviceMessage(topicName string, payload []byte) {
	id, err := s.topics.ParseDevice(topicName)
	if err != nil {
		s.logger.Debug("忽略无法解析的设备主题", "topic", topicName, "error", err)
		return
	}
	if !s.valid(id) {
		s.logger.Warn("设备上报了未知工站", "topic", topicName, "station_id", id.String())
		return
	}
	at := s.clock.Now()
	raw := strings.TrimSpace(string(payload))
	if tok, ok := types.ParseToken(raw); ok {
		s.HandleToken(id, tok, at)
		return
	}
	s.HandleTag(id, raw, at)
}

// HandleVisionMessage 处理视觉检测上报
func (s *Supervisor) HandleVisionMessage(topicName string, payload []byte) {
	id, phase, err := s.parser.Parse(topicName, payload)
	if err != nil {
		s.logger.Debug("忽略无法解析的视觉消息", "topic", topicName, "error", err)
		return
	}
	if !s.valid(id) {
		s.logger.Warn("视觉上报了未知工站", "station_id", id.String())
		return
	}
	if s.gate.Update(id, phase, s.clock.Now()) {
		s.logger.Debug("视觉阶段变化", "station_id", id.String(), "phase", phase)
	}
}

// HandleToken 将令牌交给工站。装配完成令牌先经过视觉门。
// 返回令牌是否被工站接受。
func (s *Supervisor) HandleToken(id types.StationID, tok types.Token, at time.Time) bool {
	if !s.valid(id) {
		return false
	}
	s.lanes[id].Lock()
	defer s.lanes[id].Unlock()

	st := s.stations[id]
	if tok == types.TokenAssembled && st.State() == fsm.StatePrepared {
		if ok, reason := s.visionAllows(id); !ok {
			s.rejectAssembled(id, reason)
			return false
		}
	}
	if !st.HandleToken(tok, at) {
		s.bus.Publish(event.Event{Type: event.TokenIgnored, StationID: id, Token: tok, At: at, From: st.State()})
		return false
	}
	return true
}

// HandleTag 处理 NFC 标签读取
func (s *Supervisor) HandleTag(id types.StationID, card string, at time.Time) bool {
	if !s.valid(id) {
		return false
	}
	s.lanes[id].Lock()
	defer s.lanes[id].Unlock()
	return s.stations[id].HandleTag(card, at)
}

func (s *Supervisor) visionAllows(id types.StationID) (bool, string) {
	s.cfgMu.RLock()
	cfg := s.vision
	gated := len(s.gated) == 0 || s.gated[id]
	s.cfgMu.RUnlock()

	if !cfg.Enabled || !gated {
		return true, ""
	}
	if s.gate.IsDone(id, cfg.MinStable, cfg.MaxAge) {
		return true, ""
	}
	if s.gate.IsStale(id, cfg.MaxAge) {
		return false, "stale"
	}
	return false, "not_done"
}

// rejectAssembled 视觉门拦截：丢弃令牌，按工站冷却窗口限流告警
func (s *Supervisor) rejectAssembled(id types.StationID, reason string) {
	s.bus.Publish(event.Event{Type: event.VisionRejected, StationID: id, Reason: reason, At: s.clock.Now()})
	if !s.limiter(id).AllowN(s.clock.Now(), 1) {
		s.logger.Debug("视觉告警冷却中", "station_id", id.String())
		return
	}
	msg := "Montagem não confirmada pela visão"
	if reason == "stale" {
		msg = "Visão sem atualização, montagem não confirmada"
	}
	s.alert(id, msg, notify.ColorWarning)
}

func (s *Supervisor) limiter(id types.StationID) *rate.Limiter {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	lim, ok := s.limiters[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.vision.AlertCooldown), 1)
		s.limiters[id] = lim
	}
	return lim
}

// ---------------------------------------------------------------------------
// station.EventSink
// ---------------------------------------------------------------------------

// StateChanged 工站状态迁移：推送、batedor 规则、相机规则
func (s *Supervisor) StateChanged(id types.StationID, from, to fsm.State, at time.Time) {
	s.bus.Publish(event.Event{Type: event.StationTransition, StationID: id, From: from, To: to, At: at})
	s.emit(notify.TopicStateChanged, notify.Room(id), notify.EncodeStateChange(id, from, to, at))
	s.applyFeederRules(id, to)
	s.applyCameraRules(id, from, to)
}

// TransportReady 下游到达，结算上游运输时间
func (s *Supervisor) TransportReady(pred types.StationID, at time.Time) {
	if !s.valid(pred) {
		return
	}
	// lane 只会从下游向上游嵌套获取
	s.lanes[pred].Lock()
	defer s.lanes[pred].Unlock()
	s.stations[pred].FinalizeTransport(at)
}

// CycleClosed 写入节拍历史
func (s *Supervisor) CycleClosed(rec station.CycleRecord) {
	r := rec
	s.bus.Publish(event.Event{Type: event.CycleClosed, StationID: rec.Station, Cycle: &r, At: rec.ClosedAt})

	d := rec.Durations
	s.persist(persistence.NewJob(persistence.StationTable(rec.Station), persistence.Row{
		"produto":      rec.Product,
		"palete":       rec.Pallet,
		"t_arrival":    notify.Seconds(d.Arrival),
		"t_preparo":    notify.Seconds(d.Prep),
		"t_montagem":   notify.Seconds(d.Assembly),
		"t_espera":     notify.Seconds(d.Wait),
		"t_transf":     notify.Seconds(d.Transfer),
		"t_ciclo":      notify.Seconds(d.Cycle),
		"concluido_em": rec.ClosedAt.Format(persistence.TimeLayout),
	}))
}

// SnapshotChanged 推送快照；末工站的快照触发全局汇总
func (s *Supervisor) SnapshotChanged(snap station.Snapshot) {
	s.emit(notify.TopicStateSnapshot, notify.Room(snap.ID), notify.EncodeSnapshot(snap, s.model))
	if int(snap.ID) == len(s.stations)-1 {
		s.aggregate()
	}
}

// applyFeederRules batedor 规则:
// 进入 WAITING 且下游空闲 (或本站为末工站) -> 命令本站；
// 进入 IDLE 且上游在 WAITING -> 命令上游。
func (s *Supervisor) applyFeederRules(id types.StationID, to fsm.State) {
	st := s.stations[id]
	switch to {
	case fsm.StateWaiting:
		succ, ok := st.Successor()
		if !ok || s.stations[succ].State() == fsm.StateIdle {
			s.activateFeeder(id)
		}
	case fsm.StateIdle:
		if pred, ok := st.Predecessor(); ok && s.stations[pred].State() == fsm.StateWaiting {
			s.activateFeeder(pred)
		}
	}
}

func (s *Supervisor) activateFeeder(id types.StationID) {
	s.bus.Publish(event.Event{Type: event.FeederActivated, StationID: id, At: s.clock.Now()})
	s.command("feeder", func(ctx context.Context) error { return s.commander.ActivateFeeder(ctx, id) })
}

// applyCameraRules 非首工站到达或首工站准备完成时重启相机，放行时停止
func (s *Supervisor) applyCameraRules(id types.StationID, from, to fsm.State) {
	if !s.camera {
		return
	}
	first := id == 0
	switch {
	case to == fsm.StateArrived && !first, to == fsm.StatePrepared && first:
		s.command("camera", func(ctx context.Context) error { return s.commander.Camera(ctx, id, true) })
	case from == fsm.StateWaiting && to == fsm.StateIdle:
		s.command("camera", func(ctx context.Context) error { return s.commander.Camera(ctx, id, false) })
	}
}

// ---------------------------------------------------------------------------
// 全局汇总
// ---------------------------------------------------------------------------

// GlobalStatus 重连/同步时使用的全局状态
type GlobalStatus struct {
	Status       production.Status          `json:"status"`
	TimerMs      int64                      `json:"timer_ms"`
	TimerRunning bool                       `json:"timer_running"`
	Target       int                        `json:"meta"`
	Completed    int                        `json:"producao_atual"`
	Projection   *float64                   `json:"projecao"` // 秒，null 表示无法预估
	OrderID      string                     `json:"order_id"`
	Operators    map[string]*types.Operator `json:"operadores"`
}

// Projection 线性预估总用时 elapsed × target / completed
func Projection(elapsed time.Duration, target, completed int) (time.Duration, bool) {
	if target <= 0 || completed <= 0 {
		return 0, false
	}
	return time.Duration(float64(elapsed) * float64(target) / float64(completed)), true
}

func (s *Supervisor) completed() int {
	n := s.last().Completed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < s.baseline {
		return 0
	}
	return n - s.baseline
}

// GlobalStatus 计时、进度、工单与各工站操作员
func (s *Supervisor) GlobalStatus() GlobalStatus {
	prod := s.production.Snapshot()
	done := s.completed()
	gs := GlobalStatus{
		Status:       prod.Status,
		TimerMs:      prod.Elapsed.Milliseconds(),
		TimerRunning: prod.TimerRunning,
		Target:       prod.Meta.Target,
		Completed:    done,
		OrderID:      prod.Meta.OrderID,
		Operators:    make(map[string]*types.Operator, len(s.stations)),
	}
	if p, ok := Projection(prod.Elapsed, prod.Meta.Target, done); ok {
		secs := notify.Round2(p.Seconds())
		gs.Projection = &secs
	}
	for _, st := range s.readiness.Snapshot() {
		gs.Operators[st.ID.String()] = st.Operator
	}
	return gs
}

// aggregate 推送进度；ON 且达成目标时自动停线 (唯一的自动停线条件)
func (s *Supervisor) aggregate() {
	gs := s.GlobalStatus()
	s.emit(notify.TopicProgress, "", notify.ProgressPayload{
		Completed:  gs.Completed,
		Target:     gs.Target,
		Projection: gs.Projection,
	})
	if gs.Status != production.StatusOn || gs.Target <= 0 || gs.Completed < gs.Target {
		return
	}
	s.logger.Info("达成目标数量，自动停线", "order_id", gs.OrderID, "completed", gs.Completed, "target", gs.Target)
	if s.finish(context.Background(), "auto", ReasonTargetReached) {
		snap := s.production.Snapshot()
		snap.Meta = production.Meta{Target: gs.Target, OrderID: gs.OrderID}
		s.bus.Publish(event.Event{Type: event.TargetReached, Production: &snap, Reason: ReasonTargetReached})
	}
}

// BroadcastStatus 周期性推送产线状态与计时
func (s *Supervisor) BroadcastStatus() {
	prod := s.production.Snapshot()
	s.emit(notify.TopicStatus, "", map[string]any{
		"status":        prod.Status,
		"timer_ms":      prod.Elapsed.Milliseconds(),
		"timer_running": prod.TimerRunning,
		"meta":          prod.Meta.Target,
		"order_id":      prod.Meta.OrderID,
	})
}

// RunStatusLoop 每个周期调用一次 BroadcastStatus，直到 ctx 结束
func (s *Supervisor) RunStatusLoop(ctx context.Context, every time.Duration) error {
	ticker := s.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.BroadcastStatus()
		}
	}
}

// SyncGlobal 推送 global/sync_data
func (s *Supervisor) SyncGlobal() {
	s.emit(notify.TopicGlobalSync, "", s.GlobalStatus())
}

// Snapshot 工站当前快照
func (s *Supervisor) Snapshot(id types.StationID) (station.Snapshot, bool) {
	if !s.valid(id) {
		return station.Snapshot{}, false
	}
	return s.stations[id].Snapshot(), true
}

// StationPayload 工站快照的推送格式，用于客户端加入房间时的首帧
func (s *Supervisor) StationPayload(id types.StationID) (notify.StationPayload, bool) {
	snap, ok := s.Snapshot(id)
	if !ok {
		return notify.StationPayload{}, false
	}
	return notify.EncodeSnapshot(snap, s.model), true
}

// Snapshots 全部工站快照
func (s *Supervisor) Snapshots() []station.Snapshot {
	out := make([]station.Snapshot, len(s.stations))
	for i, st := range s.stations {
		out[i] = st.Snapshot()
	}
	return out
}

// ---------------------------------------------------------------------------
// 不向调用方传播的边界：推送、告警、设备命令、持久化
// ---------------------------------------------------------------------------

func (s *Supervisor) emit(topicName, room string, payload any) {
	if err := s.notifier.Broadcast(topicName, room, payload); err != nil {
		s.logger.Warn("推送失败", "topic", topicName, "room", room, "error", err)
		notifyFailed("broadcast")
	}
}

func (s *Supervisor) alert(id types.StationID, message, color string) {
	if err := s.notifier.Alert(id, message, color, alertDuration); err != nil {
		s.logger.Warn("告警推送失败", "station_id", id.String(), "error", err)
		notifyFailed("alert")
	}
}

func (s *Supervisor) command(kind string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("设备命令发送失败", "kind", kind, "error", err)
		notifyFailed(kind)
	}
}

func (s *Supervisor) persist(job persistence.Job) {
	if s.queue == nil {
		return
	}
	if !s.queue.Submit(job) {
		s.logger.Warn("持久化任务被丢弃", "table", job.Table)
	}
}
