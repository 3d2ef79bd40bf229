package vision

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"assembly-line-supervisor/internal/types"
)

// Phase 视觉检测上报的装配阶段
type Phase string

const (
	PhaseStart      Phase = "START"
	PhaseAssembling Phase = "ASSEMBLING"
	PhaseDone       Phase = "DONE"
)

// phaseAliases 接受的同义词 (大小写不敏感)
var phaseAliases = map[string]Phase{
	"START":      PhaseStart,
	"BEGIN":      PhaseStart,
	"INICIO":     PhaseStart,
	"ASSEMBLING": PhaseAssembling,
	"ASSEMBLY":   PhaseAssembling,
	"MOUNT":      PhaseAssembling,
	"MONTAGEM":   PhaseAssembling,
	"DONE":       PhaseDone,
	"FINISH":     PhaseDone,
	"FINAL":      PhaseDone,
	"FINALIZADO": PhaseDone,
}

// ParsePhase 规范化阶段名称
func ParsePhase(raw string) (Phase, error) {
	p, ok := phaseAliases[strings.ToUpper(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("unknown vision phase %q", raw)
	}
	return p, nil
}

// Snapshot 单个工站的视觉状态缓存
type Snapshot struct {
	Station  types.StationID
	Phase    Phase
	Since    time.Time // 当前阶段开始时刻
	LastSeen time.Time // 最近一次收到消息的时刻，零值表示从未收到 (始终视为过期)
}

// Gate 按工站缓存外部视觉检测状态，提供去抖与过期判断。
// 并发安全：设备总线回调与操作员请求会同时访问。
type Gate struct {
	mu    sync.RWMutex
	byID  map[types.StationID]*Snapshot
	clock clock.PassiveClock
}

// NewGate 创建视觉门
func NewGate(clk clock.PassiveClock) *Gate {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Gate{
		byID:  make(map[types.StationID]*Snapshot),
		clock: clk,
	}
}

// Update 更新缓存，返回阶段是否发生变化。
// 阶段变化时重置 Since；相同阶段只推进 LastSeen。
func (g *Gate) Update(id types.StationID, phase Phase, at time.Time) bool {
	if at.IsZero() {
		at = g.clock.Now()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	prev, ok := g.byID[id]
	if !ok {
		g.byID[id] = &Snapshot{Station: id, Phase: phase, Since: at, LastSeen: at}
		return true
	}
	changed := prev.Phase != phase
	if changed {
		prev.Phase = phase
		prev.Since = at
	}
	prev.LastSeen = at
	return changed
}

// IsDone 仅当满足以下全部条件时返回 true:
// 存在快照；距最近一次更新不超过 maxAge；阶段为 DONE；DONE 已持续至少 minStable
func (g *Gate) IsDone(id types.StationID, minStable, maxAge time.Duration) bool {
	now := g.clock.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap, ok := g.byID[id]
	if !ok {
		return false
	}
	if snap.LastSeen.IsZero() || now.Sub(snap.LastSeen) > maxAge {
		return false
	}
	if snap.Phase != PhaseDone {
		return false
	}
	return now.Sub(snap.Since) >= minStable
}

// IsStale 视觉数据过期 (检测链路可能已中断)
func (g *Gate) IsStale(id types.StationID, maxAge time.Duration) bool {
	now := g.clock.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap, ok := g.byID[id]
	if !ok || snap.LastSeen.IsZero() {
		return true
	}
	return now.Sub(snap.LastSeen) > maxAge
}

// Phase 返回当前阶段，未知工站返回 START
func (g *Gate) Phase(id types.StationID) Phase {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if snap, ok := g.byID[id]; ok {
		return snap.Phase
	}
	return PhaseStart
}

// Snapshot 返回快照副本，不存在时惰性创建默认值 (START，LastSeen 为零)
func (g *Gate) Snapshot(id types.StationID) Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap, ok := g.byID[id]
	if !ok {
		snap = &Snapshot{Station: id, Phase: PhaseStart, Since: g.clock.Now()}
		g.byID[id] = snap
	}
	return *snap
}
