package event

import (
	"sync"
	"time"

	"assembly-line-supervisor/internal/fsm"
	"assembly-line-supervisor/internal/production"
	"assembly-line-supervisor/internal/station"
	"assembly-line-supervisor/internal/types"
)

// EventType 事件类型
type EventType string

// 产线业务事件
const (
	StationTransition EventType = "StationTransition" // 工站状态迁移
	TokenIgnored      EventType = "TokenIgnored"      // 令牌与状态不匹配被忽略
	CycleClosed       EventType = "CycleClosed"       // 工件在某工站的计时结算完成
	VisionRejected    EventType = "VisionRejected"    // 装配完成被视觉门拦截
	FeederActivated   EventType = "FeederActivated"   // 下发 batedor 命令
	PalletAssociated  EventType = "PalletAssociated"  // 托盘关联产品
	ProductionChanged EventType = "ProductionChanged" // 产线 OFF/ARMED/ON 变化
	TargetReached     EventType = "TargetReached"     // 达成目标数量自动停线
)

// Event 事件负载，按类型填充相应字段
type Event struct {
	Type       EventType
	StationID  types.StationID
	At         time.Time
	From, To   fsm.State
	Token      types.Token
	Cycle      *station.CycleRecord
	Production *production.Snapshot
	Reason     string
	Pallet     string
	Product    string
}

// Handler 事件处理函数
type Handler func(e Event)

// Bus 内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一类事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 异步调用所有订阅者，慢的订阅者不会阻塞设备事件处理
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[e.Type] {
		go handler(e)
	}
}
