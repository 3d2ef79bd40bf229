package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 产线 Prometheus 指标
var (
	// StationTransitions 计数器：工站状态迁移次数
	StationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_station_transitions_total",
		Help: "Accepted station FSM transitions",
	}, []string{"station_id", "to"})

	// IgnoredTokens 计数器：与当前状态不匹配而被忽略的设备令牌
	// 持续增长通常意味着设备重复上报或漏报
	IgnoredTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_ignored_tokens_total",
		Help: "Device tokens ignored because they do not match the station state",
	}, []string{"station_id", "token"})

	// CycleDuration 直方图：单件节拍时间分布
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "line_station_cycle_seconds",
		Help:    "Cycle time per closed unit",
		Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 180, 300},
	}, []string{"station_id"})

	// UnitsCompleted 计数器：各工站完成的件数
	UnitsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_units_completed_total",
		Help: "Units whose cycle was closed at a station",
	}, []string{"station_id"})

	// VisionRejections 计数器：被视觉门拦截的装配完成事件
	VisionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_vision_rejections_total",
		Help: "Assembled tokens rejected by the vision gate",
	}, []string{"station_id", "reason"})

	// FeederCommands 计数器：下发的 batedor 命令
	FeederCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_feeder_commands_total",
		Help: "Feeder activation commands issued",
	}, []string{"station_id"})

	// ProductionStatus 仪表盘：0=OFF 1=ARMED 2=ON
	ProductionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "line_production_status",
		Help: "Line-wide production status (0=OFF, 1=ARMED, 2=ON)",
	})

	// ProductionProgress 仪表盘：本工单已完成数量
	ProductionProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "line_production_completed_units",
		Help: "Units completed in the current order",
	})

	// QueueDepth 仪表盘：持久化队列积压
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "line_persistence_queue_depth",
		Help: "Jobs waiting in the persistence queue",
	})

	// PersistenceJobs 计数器：按结果 (ok/retry/failed/dropped) 统计持久化任务
	PersistenceJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_persistence_jobs_total",
		Help: "Persistence job outcomes",
	}, []string{"outcome"})

	// NotifyErrors 计数器：推送/告警失败 (不会影响产线逻辑)
	NotifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_notify_errors_total",
		Help: "Notifier failures swallowed at the supervisor boundary",
	}, []string{"kind"})

	// WebsocketClients 仪表盘：当前连接的界面客户端
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "line_websocket_clients",
		Help: "Connected UI websocket clients",
	})
)
