package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"assembly-line-supervisor/internal/event"
	"assembly-line-supervisor/internal/metrics"
	"assembly-line-supervisor/internal/notify"
	"assembly-line-supervisor/internal/pallet"
	"assembly-line-supervisor/internal/persistence"
	"assembly-line-supervisor/internal/production"
	"assembly-line-supervisor/internal/readiness"
	"assembly-line-supervisor/internal/types"
)

// Arm 配置工单与目标数量并等待全部工站就绪。
// 生产日志在此同步创建，日志 id 作为后续启动/结束更新的句柄。
func (s *Supervisor) Arm(ctx context.Context, order string, target int) error {
	if target <= 0 {
		return production.ErrInvalidTarget
	}
	if s.production.Status() == production.StatusOn {
		return production.ErrAlreadyOn
	}
	prev := s.production.Snapshot().Meta.LogID
	logID, err := s.createLog(ctx, order, target)
	if err != nil {
		return err
	}
	if err := s.production.Arm(target, order, logID); err != nil {
		s.closeLog(logID, ReasonSuperseded)
		return err
	}
	if prev != logID {
		s.closeLog(prev, ReasonSuperseded)
	}
	s.SyncGlobal()
	return nil
}

// onArmed ARM 之后重新评估就绪条件
func (s *Supervisor) onArmed(snap production.Snapshot) {
	s.logger.Info("产线已预备", "order_id", snap.Meta.OrderID, "target", snap.Meta.Target, "log_id", snap.Meta.LogID)
	s.bus.Publish(event.Event{Type: event.ProductionChanged, Production: &snap, At: s.clock.Now()})
	s.tryAutoStart(context.Background())
}

// Start 手动启动。target > 0 时使用新的工单参数，否则沿用 ARM 时的参数。
// 已经 ON 时返回 false。
func (s *Supervisor) Start(ctx context.Context, by, order string, target int) (bool, error) {
	var override production.Meta
	if target > 0 {
		if s.production.Status() == production.StatusOn {
			return false, nil
		}
		logID, err := s.createLog(ctx, order, target)
		if err != nil {
			return false, err
		}
		override = production.Meta{Target: target, OrderID: order, LogID: logID}
	}
	prev := s.production.Snapshot().Meta.LogID
	started, err := s.startProduction(by, "manual", override)
	if override.LogID == 0 {
		return started, err
	}
	if started {
		s.closeLog(prev, ReasonSuperseded)
	} else {
		// 启动未生效，新建的日志不会再被引用
		s.closeLog(override.LogID, ReasonSuperseded)
	}
	return started, err
}

// Stop 手动停线
func (s *Supervisor) Stop(ctx context.Context, by, reason string) bool {
	if reason == "" {
		reason = ReasonManual
	}
	return s.finish(ctx, by, reason)
}

func (s *Supervisor) createLog(ctx context.Context, order string, target int) (int64, error) {
	if s.logs == nil {
		return 0, nil
	}
	id, err := s.logs.CreateProductionLog(ctx, order, target, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("create production log: %w", err)
	}
	return id, nil
}

// closeLog 结束不再使用的生产日志 (被新的 ARM 或带参数的手动启动替换)
func (s *Supervisor) closeLog(id int64, reason string) {
	if id == 0 {
		return
	}
	s.logger.Info("生产日志被替换", "log_id", id, "reason", reason)
	s.persist(persistence.NewUpdate(persistence.TableProductionLog, "id", persistence.Row{
		"id":         id,
		"status":     persistence.LogFinalized,
		"fim":        s.clock.Now().Format(persistence.TimeLayout),
		"motivo_fim": reason,
		"produzidos": 0,
	}))
}

// tryAutoStart 产线为 ARMED 且就绪规则成立时自动启动
func (s *Supervisor) tryAutoStart(ctx context.Context) {
	if s.production.Status() != production.StatusArmed {
		return
	}
	ready, err := s.readiness.AllReady()
	if err != nil {
		s.logger.Error("就绪规则求值失败", "rule", s.readiness.Rule(), "error", err)
		return
	}
	if !ready {
		return
	}
	if _, err := s.startProduction("auto", ReasonAllReady, production.Meta{}); err != nil {
		s.logger.Error("自动启动失败", "error", err)
	}
}

// startProduction 幂等启动：发送启动信号，预置各工站放行备份时间，重新计时
func (s *Supervisor) startProduction(by, reason string, override production.Meta) (bool, error) {
	started, err := s.production.Start(by, reason, override)
	if err != nil || !started {
		return false, err
	}
	now := s.clock.Now()
	for _, st := range s.stations {
		st.PrimeDispatchBackup(now)
	}
	base := s.last().Completed()
	s.mu.Lock()
	s.baseline = base
	s.mu.Unlock()
	s.production.RestartTimer()

	snap := s.production.Snapshot()
	s.logger.Info("产线启动", "by", by, "reason", reason, "order_id", snap.Meta.OrderID, "target", snap.Meta.Target)
	s.command("line", func(ctx context.Context) error { return s.commander.LineSignal(ctx, true) })
	if snap.Meta.LogID != 0 {
		s.persist(persistence.NewUpdate(persistence.TableProductionLog, "id", persistence.Row{
			"id":     snap.Meta.LogID,
			"status": persistence.LogOn,
			"inicio": now.Format(persistence.TimeLayout),
		}))
	}
	s.bus.Publish(event.Event{Type: event.ProductionChanged, Production: &snap, Reason: reason, At: now})
	s.SyncGlobal()
	return true, nil
}

// finish 任意状态 -> OFF：停止计时，结束生产日志，发送停线信号
func (s *Supervisor) finish(_ context.Context, by, reason string) bool {
	done := s.completed()
	prev, changed := s.production.Stop(by, reason)
	if !changed {
		return false
	}
	s.production.PauseTimer()
	now := s.clock.Now()

	s.command("line", func(ctx context.Context) error { return s.commander.LineSignal(ctx, false) })
	if prev.Meta.LogID != 0 {
		s.persist(persistence.NewUpdate(persistence.TableProductionLog, "id", persistence.Row{
			"id":         prev.Meta.LogID,
			"status":     persistence.LogFinalized,
			"fim":        now.Format(persistence.TimeLayout),
			"motivo_fim": reason,
			"produzidos": done,
		}))
	}
	s.emit(notify.TopicLineStopped, "", map[string]any{
		"motivo":   reason,
		"atual":    done,
		"meta":     prev.Meta.Target,
		"order_id": prev.Meta.OrderID,
		"por":      by,
	})
	snap := s.production.Snapshot()
	s.bus.Publish(event.Event{Type: event.ProductionChanged, Production: &snap, Reason: reason, At: now})
	s.logger.Info("产线停止", "by", by, "reason", reason, "completed", done, "target", prev.Meta.Target)
	s.SyncGlobal()
	return true
}

// ---------------------------------------------------------------------------
// 操作员与托盘
// ---------------------------------------------------------------------------

// OperatorCheckIn 操作员签到。就绪更新、工站快照、推送与自动启动各自独立执行，
// 其中一步失败不会中断其余步骤。
func (s *Supervisor) OperatorCheckIn(id types.StationID, name, image string) error {
	op := types.Operator{Name: name, Image: image}
	err := s.readiness.CheckIn(id, op)
	if err != nil {
		s.logger.Error("更新就绪状态失败", "station_id", id.String(), "error", err)
	}
	if s.valid(id) {
		s.lanes[id].Lock()
		s.stations[id].SetOperator(&op)
		s.lanes[id].Unlock()
	}
	s.emit(notify.TopicOperatorUpdate, "", map[string]any{
		"posto":  id.String(),
		"nome":   name,
		"imagem": image,
	})
	if s.valid(id) {
		s.alert(id, "Entrada registrada: "+name, notify.ColorOK)
	}
	s.tryAutoStart(context.Background())
	return err
}

// OperatorCheckOut 操作员签退
func (s *Supervisor) OperatorCheckOut(id types.StationID) error {
	err := s.readiness.CheckOut(id)
	if err != nil {
		s.logger.Error("更新就绪状态失败", "station_id", id.String(), "error", err)
	}
	if s.valid(id) {
		s.lanes[id].Lock()
		s.stations[id].SetOperator(nil)
		s.lanes[id].Unlock()
	}
	s.emit(notify.TopicOperatorUpdate, "", map[string]any{
		"posto":  id.String(),
		"nome":   nil,
		"imagem": nil,
	})
	if s.valid(id) {
		s.alert(id, "Saída registrada do posto "+id.String(), notify.ColorOK)
	}
	s.tryAutoStart(context.Background())
	return err
}

// SetReady 直接设置工站就绪标志 (不涉及操作员)
func (s *Supervisor) SetReady(id types.StationID, ready bool) error {
	if err := s.readiness.SetReady(id, ready); err != nil {
		if errors.Is(err, readiness.ErrUnknownStation) {
			s.logger.Warn("就绪更新了未知工站", "station_id", id.String())
		}
		return err
	}
	s.tryAutoStart(context.Background())
	return nil
}

// AssociatePallet 在首工站关联托盘与产品，随后以设备身份发布放行令牌
func (s *Supervisor) AssociatePallet(ctx context.Context, palletCode, product string) (pallet.Association, error) {
	if s.production.Status() != production.StatusOn {
		return pallet.Association{}, ErrProductionOff
	}
	a, err := s.pallets.Associate(palletCode, product, s.clock.Now())
	if err != nil {
		return a, err
	}

	s.lanes[0].Lock()
	s.stations[0].AssignProduct(a.Pallet, a.Product)
	s.lanes[0].Unlock()

	s.persist(persistence.NewJob(persistence.TableAssociations, persistence.Row{
		"palete":    a.Pallet,
		"produto":   a.Product,
		"criado_em": a.CreatedAt.Format(persistence.TimeLayout),
	}))
	s.bus.Publish(event.Event{Type: event.PalletAssociated, Pallet: a.Pallet, Product: a.Product, At: a.CreatedAt})

	// lane 已释放：令牌经设备总线回到 HandleDeviceMessage
	if err := s.commander.PublishToken(ctx, 0, types.TokenDispatch); err != nil {
		s.logger.Warn("发布放行令牌失败", "pallet", a.Pallet, "error", err)
		notifyFailed("token")
	}
	return a, nil
}

// Associations 当前有效的托盘关联
func (s *Supervisor) Associations() []pallet.Association { return s.pallets.Active() }

func notifyFailed(kind string) {
	metrics.NotifyErrors.WithLabelValues(kind).Inc()
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, string, any) error { return nil }
func (nopNotifier) Alert(types.StationID, string, string, time.Duration) error { return nil }

type nopCommander struct{}

func (nopCommander) ActivateFeeder(context.Context, types.StationID) error { return nil }
func (nopCommander) LineSignal(context.Context, bool) error { return nil }
func (nopCommander) Camera(context.Context, types.StationID, bool) error { return nil }
func (nopCommander) PublishToken(context.Context, types.StationID, types.Token) error { return nil }
