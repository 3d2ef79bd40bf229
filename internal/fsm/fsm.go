package fsm

import (
	"fmt"
	"sync"

	"assembly-line-supervisor/internal/types"
)

// State 定义工站状态
type State int

// 工站循环: IDLE -> ARRIVED -> PREPARED -> WAITING -> IDLE
// 数值即 UI 使用的线上编码，不得调整顺序
const (
	StateIdle     State = 0
	StateArrived  State = 1
	StatePrepared State = 2
	StateWaiting  State = 3 // 装配完成，等待放行
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateArrived:
		return "ARRIVED"
	case StatePrepared:
		return "PREPARED"
	case StateWaiting:
		return "WAITING"
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// InvalidTransitionError 当前状态下不接受该令牌
type InvalidTransitionError struct {
	State State
	Token types.Token
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot fire %s from state %s", e.Token, e.State)
}

// FSM 有限状态机
// 工站不存在终止状态，放行后回到 IDLE 无限循环
type FSM struct {
	mu      sync.Mutex
	current State
	// transitions 定义状态转移表: CurrentState -> Token -> NextState
	transitions map[State]map[types.Token]State
}

func NewFSM() *FSM {
	f := &FSM{
		current:     StateIdle,
		transitions: make(map[State]map[types.Token]State),
	}
	f.initTransitions()
	return f
}

func (f *FSM) initTransitions() {
	f.addTransition(StateIdle, types.TokenArrive, StateArrived)
	f.addTransition(StateArrived, types.TokenPrepared, StatePrepared)
	f.addTransition(StatePrepared, types.TokenAssembled, StateWaiting)
	f.addTransition(StateWaiting, types.TokenDispatch, StateIdle)
}

func (f *FSM) addTransition(from State, tok types.Token, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[types.Token]State)
	}
	f.transitions[from][tok] = to
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Can 判断当前状态是否接受该令牌
func (f *FSM) Can(tok types.Token) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.transitions[f.current][tok]
	return ok
}

// Fire 触发令牌，返回迁移前后的状态
func (f *FSM) Fire(tok types.Token) (from, to State, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	next, ok := f.transitions[f.current][tok]
	if !ok {
		return f.current, f.current, &InvalidTransitionError{State: f.current, Token: tok}
	}
	from = f.current
	f.current = next
	return from, next, nil
}
