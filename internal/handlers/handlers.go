package handlers

import (
	"log/slog"

	"assembly-line-supervisor/internal/event"
	"assembly-line-supervisor/internal/metrics"
	"assembly-line-supervisor/internal/production"
)

// RegisterEventHandlers 注册指标与审计日志订阅者。
// 界面推送和持久化由监督器同步完成，这里只处理旁路关注点。
func RegisterEventHandlers(bus *event.Bus, logger *slog.Logger) {
	logger = logger.With("component", "audit")

	// --- 指标 ---
	bus.Subscribe(event.StationTransition, func(e event.Event) {
		metrics.StationTransitions.WithLabelValues(e.StationID.String(), e.To.String()).Inc()
	})
	bus.Subscribe(event.TokenIgnored, func(e event.Event) {
		metrics.IgnoredTokens.WithLabelValues(e.StationID.String(), string(e.Token)).Inc()
	})
	bus.Subscribe(event.CycleClosed, func(e event.Event) {
		id := e.StationID.String()
		metrics.UnitsCompleted.WithLabelValues(id).Inc()
		if e.Cycle != nil && e.Cycle.Durations.Cycle != nil {
			metrics.CycleDuration.WithLabelValues(id).Observe(e.Cycle.Durations.Cycle.Seconds())
		}
	})
	bus.Subscribe(event.VisionRejected, func(e event.Event) {
		metrics.VisionRejections.WithLabelValues(e.StationID.String(), e.Reason).Inc()
	})
	bus.Subscribe(event.FeederActivated, func(e event.Event) {
		metrics.FeederCommands.WithLabelValues(e.StationID.String()).Inc()
	})
	bus.Subscribe(event.ProductionChanged, func(e event.Event) {
		if e.Production == nil {
			return
		}
		switch e.Production.Status {
		case production.StatusOff:
			metrics.ProductionStatus.Set(0)
		case production.StatusArmed:
			metrics.ProductionStatus.Set(1)
		case production.StatusOn:
			metrics.ProductionStatus.Set(2)
			metrics.ProductionProgress.Set(0)
		}
	})

	// --- 审计日志 ---
	bus.Subscribe(event.ProductionChanged, func(e event.Event) {
		if e.Production == nil {
			return
		}
		logger.Info("产线状态", "status", e.Production.Status, "order_id", e.Production.Meta.OrderID,
			"target", e.Production.Meta.Target, "by", e.Production.ChangedBy, "reason", e.Reason)
	})
	bus.Subscribe(event.TargetReached, func(e event.Event) {
		logger.Info("达成目标数量", "order_id", e.Production.Meta.OrderID, "target", e.Production.Meta.Target)
	})
	bus.Subscribe(event.PalletAssociated, func(e event.Event) {
		logger.Info("托盘已关联", "pallet", e.Pallet, "product", e.Product)
	})
	bus.Subscribe(event.VisionRejected, func(e event.Event) {
		logger.Warn("视觉门拦截装配完成", "station_id", e.StationID.String(), "reason", e.Reason)
	})
}
