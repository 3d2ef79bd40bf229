package station

import (
	"time"

	"assembly-line-supervisor/internal/fsm"
	"assembly-line-supervisor/internal/types"
)

// Durations 一个循环内各阶段耗时，未测量的阶段为 nil
type Durations struct {
	Arrival  *time.Duration // 到达间隔 (与上一次放行之间)
	Prep     *time.Duration
	Assembly *time.Duration
	Wait     *time.Duration
	Transfer *time.Duration
	Cycle    *time.Duration
}

// Sum 计算循环时间：仅累加已测量的五个阶段，缺失阶段不计入 (容忍事件丢失造成的部分数据)。
// 五个阶段全部缺失时返回 nil。
func (d Durations) Sum() *time.Duration {
	var (
		total    time.Duration
		measured bool
	)
	for _, p := range []*time.Duration{d.Arrival, d.Prep, d.Assembly, d.Wait, d.Transfer} {
		if p != nil {
			total += *p
			measured = true
		}
	}
	if !measured {
		return nil
	}
	return &total
}

func (d Durations) clone() Durations {
	cp := func(p *time.Duration) *time.Duration {
		if p == nil {
			return nil
		}
		v := *p
		return &v
	}
	return Durations{
		Arrival:  cp(d.Arrival),
		Prep:     cp(d.Prep),
		Assembly: cp(d.Assembly),
		Wait:     cp(d.Wait),
		Transfer: cp(d.Transfer),
		Cycle:    cp(d.Cycle),
	}
}

// Snapshot 工站在某一时刻的不可变投影
type Snapshot struct {
	ID        types.StationID
	State     fsm.State
	Product   string
	Pallet    string
	Durations Durations
	Completed int
	Operator  *types.Operator
	UpdatedAt time.Time
}

// CycleRecord 已结算的一条循环记录，用于持久化
type CycleRecord struct {
	Station   types.StationID
	Product   string
	Pallet    string
	Durations Durations
	ClosedAt  time.Time
}

type cycle struct {
	product   string
	pallet    string
	durations Durations
}
