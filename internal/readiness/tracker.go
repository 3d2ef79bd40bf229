package readiness

import (
	"errors"
	"fmt"
	"sync"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"assembly-line-supervisor/internal/types"
)

// DefaultRule 全部工站都有操作员签到时视为就绪
const DefaultRule = "all(stations, {.ready})"

var ErrUnknownStation = errors.New("unknown station")

// StationState 单个工站的就绪视图
type StationState struct {
	ID       types.StationID `json:"id"`
	Ready    bool            `json:"ready"`
	Operator *types.Operator `json:"operator,omitempty"`
}

// Tracker 追踪各工站的就绪状态与操作员，并对全局就绪规则求值
type Tracker struct {
	mu       sync.RWMutex
	stations []StationState
	rule     string
	program  *vm.Program
}

// NewTracker 创建追踪器，rule 为空时使用 DefaultRule。
// 规则在创建时编译一次，环境变量 stations 为 [{id, ready, operator}]。
func NewTracker(count int, rule string) (*Tracker, error) {
	if rule == "" {
		rule = DefaultRule
	}
	program, err := expr.Compile(rule, expr.Env(ruleEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("readiness rule compilation failed: %w", err)
	}
	t := &Tracker{
		stations: make([]StationState, count),
		rule:     rule,
		program:  program,
	}
	for i := range t.stations {
		t.stations[i].ID = types.StationID(i)
	}
	return t, nil
}

func ruleEnv(stations []StationState) map[string]interface{} {
	list := make([]interface{}, len(stations))
	for i, s := range stations {
		name := ""
		if s.Operator != nil {
			name = s.Operator.Name
		}
		list[i] = map[string]interface{}{
			"id":       int(s.ID),
			"ready":    s.Ready,
			"operator": name,
		}
	}
	return map[string]interface{}{"stations": list}
}

func (t *Tracker) index(id types.StationID) (int, error) {
	if id < 0 || int(id) >= len(t.stations) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStation, id)
	}
	return int(id), nil
}

// SetReady 设置工站就绪标志
func (t *Tracker) SetReady(id types.StationID, ready bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, err := t.index(id)
	if err != nil {
		return err
	}
	t.stations[i].Ready = ready
	return nil
}

// CheckIn 操作员签到，同时标记就绪
func (t *Tracker) CheckIn(id types.StationID, op types.Operator) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, err := t.index(id)
	if err != nil {
		return err
	}
	t.stations[i].Operator = &op
	t.stations[i].Ready = true
	return nil
}

// CheckOut 操作员签退，工站不再就绪
func (t *Tracker) CheckOut(id types.StationID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, err := t.index(id)
	if err != nil {
		return err
	}
	t.stations[i].Operator = nil
	t.stations[i].Ready = false
	return nil
}

// AllReady 对就绪规则求值
func (t *Tracker) AllReady() (bool, error) {
	t.mu.RLock()
	env := ruleEnv(t.stations)
	t.mu.RUnlock()

	result, err := expr.Run(t.program, env)
	if err != nil {
		return false, fmt.Errorf("readiness rule execution failed: %w", err)
	}
	ready, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("readiness rule result is not a boolean")
	}
	return ready, nil
}

// Snapshot 返回所有工站状态的深拷贝
func (t *Tracker) Snapshot() []StationState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]StationState, len(t.stations))
	for i, s := range t.stations {
		out[i] = s
		if s.Operator != nil {
			op := *s.Operator
			out[i].Operator = &op
		}
	}
	return out
}

// Rule 当前使用的规则表达式
func (t *Tracker) Rule() string { return t.rule }
