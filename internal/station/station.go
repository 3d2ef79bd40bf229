package station

import (
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"assembly-line-supervisor/internal/fsm"
	"assembly-line-supervisor/internal/types"
)

// EventSink 接收工站产生的事件
// 工站之间从不直接访问，所有跨工站效果都经由 EventSink 的实现者 (Supervisor) 完成。
// 回调总是在工站锁释放之后调用，实现者可以安全地读取其他工站。
type EventSink interface {
	// StateChanged 工站状态发生迁移
	StateChanged(id types.StationID, from, to fsm.State, at time.Time)
	// TransportReady 本工站已到达新工件，上游工站可以结算运输时间
	TransportReady(predecessor types.StationID, at time.Time)
	// CycleClosed 一个工件在本工站的全部时间已结算
	CycleClosed(rec CycleRecord)
	// SnapshotChanged 任何影响状态的修改之后都会产生快照
	SnapshotChanged(snap Snapshot)
}

// PalletLookup 托盘与产品的关联查询
type PalletLookup interface {
	PalletForCard(card string) (string, bool)
	ProductForPallet(pallet string) (string, bool)
	Release(product string)
}

// Option 工站构造选项
type Option func(*Station)

func WithSink(sink EventSink) Option {
	return func(s *Station) { s.sink = sink }
}

func WithLookup(lookup PalletLookup) Option {
	return func(s *Station) { s.lookup = lookup }
}

func WithClock(clk clock.PassiveClock) Option {
	return func(s *Station) { s.clock = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Station) { s.logger = logger }
}

// Station 产线上的一个工站
type Station struct {
	id    types.StationID
	count int // 产线工站总数

	mu        sync.Mutex
	machine   *fsm.FSM
	stamps    map[types.Token]time.Time // 当前循环的四个时间戳
	record    *cycle                    // 当前循环的计时记录
	awaiting  *cycle                    // 已放行、等待下游到达以结算运输时间的记录
	product   string
	pallet    string
	backup    time.Time // 上一次放行时刻，用于计算到达间隔与运输时间
	completed int
	operator  *types.Operator
	updatedAt time.Time

	sink   EventSink
	lookup PalletLookup
	clock  clock.PassiveClock
	logger *slog.Logger
}

// New 创建工站，count 为产线工站总数
func New(id types.StationID, count int, opts ...Option) *Station {
	s := &Station{
		id:      id,
		count:   count,
		machine: fsm.NewFSM(),
		stamps:  make(map[types.Token]time.Time),
		clock:   clock.RealClock{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("station_id", id.String())
	s.updatedAt = s.clock.Now()
	return s
}

func (s *Station) ID() types.StationID { return s.id }

func (s *Station) IsFirst() bool { return s.id == 0 }

func (s *Station) IsLast() bool { return int(s.id) == s.count-1 }

// Predecessor 返回上游工站，首工站没有上游
func (s *Station) Predecessor() (types.StationID, bool) {
	if s.IsFirst() {
		return 0, false
	}
	return s.id - 1, true
}

// Successor 返回下游工站，末工站没有下游
func (s *Station) Successor() (types.StationID, bool) {
	if s.IsLast() {
		return 0, false
	}
	return s.id + 1, true
}

// State 返回当前状态
func (s *Station) State() fsm.State {
	return s.machine.Current()
}

// emission 在锁外执行的回调
type emission func(EventSink)

// HandleToken 处理一个时间令牌，at 为消息接收时刻。
// 与当前状态不匹配的令牌被静默忽略 (设备重复或乱序消息)，返回 false。
func (s *Station) HandleToken(tok types.Token, at time.Time) bool {
	s.mu.Lock()
	out, ok := s.handleTokenLocked(tok, at)
	s.mu.Unlock()
	s.flush(out)
	return ok
}

func (s *Station) handleTokenLocked(tok types.Token, at time.Time) ([]emission, bool) {
	if !s.machine.Can(tok) {
		s.logger.Debug("忽略与当前状态不匹配的令牌", "token", tok, "state", s.machine.Current())
		return nil, false
	}

	var out []emission
	switch tok {
	case types.TokenArrive:
		rec := &cycle{product: s.product, pallet: s.pallet}
		if !s.backup.IsZero() {
			d := elapsed(s.backup, at)
			rec.durations.Arrival = &d
		}
		s.record = rec
		s.stamps = map[types.Token]time.Time{types.TokenArrive: at}
		if pred, ok := s.Predecessor(); ok {
			out = append(out, func(sink EventSink) { sink.TransportReady(pred, at) })
		}
		s.logger.Info("工件到达", "arrival_interval", rec.durations.Arrival)

	case types.TokenPrepared:
		d := elapsed(s.stamps[types.TokenArrive], at)
		s.current().durations.Prep = &d
		s.stamps[types.TokenPrepared] = at
		s.logger.Info("准备完成", "t_prep", d)

	case types.TokenAssembled:
		d := elapsed(s.stamps[types.TokenPrepared], at)
		s.current().durations.Assembly = &d
		s.stamps[types.TokenAssembled] = at
		s.logger.Info("装配完成", "t_assembly", d)

	case types.TokenDispatch:
		rec := s.current()
		d := elapsed(s.stamps[types.TokenAssembled], at)
		rec.durations.Wait = &d
		s.stamps[types.TokenDispatch] = at

		if s.IsFirst() && s.product == "" && s.pallet != "" && s.lookup != nil {
			if p, ok := s.lookup.ProductForPallet(s.pallet); ok {
				s.product = p
			}
		}
		if rec.product == "" {
			rec.product = s.product
		}
		if rec.pallet == "" {
			rec.pallet = s.pallet
		}

		if s.IsLast() {
			zero := time.Duration(0)
			rec.durations.Transfer = &zero
			out = append(out, s.closeCycleLocked(rec, at))
			if rec.product != "" && s.lookup != nil {
				s.lookup.Release(rec.product)
			}
		} else {
			// 下游到达丢失时上一工件不再等待运输时间，按其余阶段结算
			if prev := s.awaiting; prev != nil {
				s.logger.Warn("下游未上报到达，上一工件缺少运输时间", "product", prev.product, "pallet", prev.pallet)
				out = append(out, s.closeCycleLocked(prev, at))
			}
			s.awaiting = rec
		}
		s.logger.Info("工件放行", "t_wait", d, "product", rec.product)

		s.product = ""
		s.pallet = ""
		s.backup = at
	}

	from, to, _ := s.machine.Fire(tok)
	s.updatedAt = at
	out = append(out, func(sink EventSink) { sink.StateChanged(s.id, from, to, at) })
	out = append(out, s.snapshotEmission())
	return out, true
}

// FinalizeTransport 下游工站到达后结算本工站的运输时间与循环时间
func (s *Station) FinalizeTransport(at time.Time) {
	s.mu.Lock()
	rec := s.awaiting
	if rec == nil || s.backup.IsZero() {
		s.mu.Unlock()
		s.logger.Debug("没有待结算的运输记录")
		return
	}
	d := elapsed(s.backup, at)
	rec.durations.Transfer = &d
	s.awaiting = nil
	s.updatedAt = at
	out := []emission{s.closeCycleLocked(rec, at), s.snapshotEmission()}
	s.mu.Unlock()

	s.logger.Info("运输时间已结算", "t_transfer", d)
	s.flush(out)
}

// closeCycleLocked 计算循环时间并计数
func (s *Station) closeCycleLocked(rec *cycle, at time.Time) emission {
	rec.durations.Cycle = rec.durations.Sum()
	s.completed++
	closed := CycleRecord{
		Station:   s.id,
		Product:   rec.product,
		Pallet:    rec.pallet,
		Durations: rec.durations.clone(),
		ClosedAt:  at,
	}
	return func(sink EventSink) { sink.CycleClosed(closed) }
}

// HandleTag 处理 NFC 标签读取。
// 首工站仅记录托盘 (等待操作员关联产品)，其他工站立即根据托盘解析产品。
func (s *Station) HandleTag(card string, at time.Time) bool {
	s.mu.Lock()
	out, ok := s.handleTagLocked(card, at)
	s.mu.Unlock()
	s.flush(out)
	return ok
}

func (s *Station) handleTagLocked(card string, at time.Time) ([]emission, bool) {
	if s.product != "" && s.pallet != "" {
		return nil, false
	}
	if s.lookup == nil {
		return nil, false
	}
	pallet, ok := s.lookup.PalletForCard(card)
	if !ok {
		s.logger.Debug("标签未映射到托盘", "card", card)
		return nil, false
	}

	if s.IsFirst() {
		s.pallet = pallet
	} else {
		product, ok := s.lookup.ProductForPallet(pallet)
		if !ok || !types.ValidProductCode(product) {
			s.logger.Warn("托盘未关联有效产品", "pallet", pallet)
			return nil, false
		}
		s.pallet = pallet
		s.product = product
		if s.record != nil && s.machine.Current() != fsm.StateIdle {
			s.record.product = product
			s.record.pallet = pallet
		}
	}
	s.updatedAt = at
	return []emission{s.snapshotEmission()}, true
}

// AssignProduct 操作员在首工站为已上线托盘关联产品，pallet 为空时保留当前托盘
func (s *Station) AssignProduct(pallet, product string) bool {
	if !types.ValidProductCode(product) {
		s.logger.Error("无法关联产品到工站", "product", product)
		return false
	}
	s.mu.Lock()
	if pallet != "" {
		s.pallet = pallet
	}
	s.product = product
	if s.record != nil && s.machine.Current() != fsm.StateIdle {
		s.record.product = product
		s.record.pallet = s.pallet
	}
	s.updatedAt = s.clock.Now()
	out := []emission{s.snapshotEmission()}
	s.mu.Unlock()
	s.flush(out)
	return true
}

// SetOperator 设置或清除 (nil) 当前操作员
func (s *Station) SetOperator(op *types.Operator) {
	s.mu.Lock()
	if op != nil {
		cp := *op
		op = &cp
	}
	s.operator = op
	s.updatedAt = s.clock.Now()
	out := []emission{s.snapshotEmission()}
	s.mu.Unlock()
	s.flush(out)
}

// PrimeDispatchBackup 生产开始时将放行备份时间设为 at，使第一次到达间隔有意义
func (s *Station) PrimeDispatchBackup(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backup = at
}

// Completed 返回已完成的工件数
func (s *Station) Completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Snapshot 返回当前快照
func (s *Station) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Station) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:        s.id,
		State:     s.machine.Current(),
		Product:   s.product,
		Pallet:    s.pallet,
		Completed: s.completed,
		UpdatedAt: s.updatedAt,
	}
	if s.record != nil {
		snap.Durations = s.record.durations.clone()
	}
	if s.operator != nil {
		op := *s.operator
		snap.Operator = &op
	}
	return snap
}

func (s *Station) snapshotEmission() emission {
	snap := s.snapshotLocked()
	return func(sink EventSink) { sink.SnapshotChanged(snap) }
}

func (s *Station) current() *cycle {
	if s.record == nil {
		s.record = &cycle{product: s.product, pallet: s.pallet}
	}
	return s.record
}

func (s *Station) flush(out []emission) {
	if s.sink == nil {
		return
	}
	for _, e := range out {
		e(s.sink)
	}
}

// elapsed 计算 at - ref。参考时间缺失 (前序事件丢失) 时按 0 处理，时钟回拨同样截断为 0
func elapsed(ref, at time.Time) time.Duration {
	if ref.IsZero() {
		return 0
	}
	d := at.Sub(ref)
	if d < 0 {
		return 0
	}
	return d
}
