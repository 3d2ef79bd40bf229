package station

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"assembly-line-supervisor/internal/fsm"
	"assembly-line-supervisor/internal/types"
)

type recordingSink struct {
	mu          sync.Mutex
	transitions []fsm.State
	transports  []types.StationID
	cycles      []CycleRecord
	snapshots   []Snapshot
}

func (r *recordingSink) StateChanged(_ types.StationID, _, to fsm.State, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to)
}

func (r *recordingSink) TransportReady(pred types.StationID, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = append(r.transports, pred)
}

func (r *recordingSink) CycleClosed(rec CycleRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, rec)
}

func (r *recordingSink) SnapshotChanged(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snap)
}

type mapLookup struct {
	cards    map[string]string
	products map[string]string
	released []string
}

func (m *mapLookup) PalletForCard(card string) (string, bool) {
	p, ok := m.cards[card]
	return p, ok
}

func (m *mapLookup) ProductForPallet(pallet string) (string, bool) {
	p, ok := m.products[pallet]
	return p, ok
}

func (m *mapLookup) Release(product string) { m.released = append(m.released, product) }

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestStation(id types.StationID, count int) (*Station, *recordingSink, *mapLookup) {
	sink := &recordingSink{}
	lookup := &mapLookup{
		cards:    map[string]string{" C3 C3 64 AD": "PLT01"},
		products: map[string]string{"PLT01": "101CP01079"},
	}
	s := New(id, count,
		WithSink(sink),
		WithLookup(lookup),
		WithClock(clocktesting.NewFakePassiveClock(t0)),
	)
	return s, sink, lookup
}

func sec(n float64) time.Duration { return time.Duration(n * float64(time.Second)) }

func TestStation_IgnoresTokenInvalidForState(t *testing.T) {
	s, sink, _ := newTestStation(1, 3)

	assert.False(t, s.HandleToken(types.TokenAssembled, t0))
	assert.Equal(t, fsm.StateIdle, s.State())
	assert.Empty(t, sink.snapshots)
	assert.Empty(t, s.stamps)
	assert.Nil(t, s.Snapshot().Durations.Assembly)

	require.True(t, s.HandleToken(types.TokenArrive, t0))
	assert.False(t, s.HandleToken(types.TokenArrive, t0.Add(time.Second)), "duplicate arrival")
	assert.Equal(t, t0, s.stamps[types.TokenArrive])
}

func TestStation_MiddleStationCycle(t *testing.T) {
	s, sink, _ := newTestStation(1, 3)
	s.PrimeDispatchBackup(t0)

	require.True(t, s.HandleToken(types.TokenArrive, t0.Add(sec(4))))
	require.True(t, s.HandleToken(types.TokenPrepared, t0.Add(sec(6))))
	require.True(t, s.HandleToken(types.TokenAssembled, t0.Add(sec(16))))
	require.True(t, s.HandleToken(types.TokenDispatch, t0.Add(sec(19))))

	assert.Equal(t, []types.StationID{0}, sink.transports, "arrival finalizes predecessor transport")
	assert.Equal(t, []fsm.State{fsm.StateArrived, fsm.StatePrepared, fsm.StateWaiting, fsm.StateIdle}, sink.transitions)
	assert.Empty(t, sink.cycles, "transport is deferred until the successor arrives")
	assert.Equal(t, 0, s.Completed())

	d := s.Snapshot().Durations
	assert.Equal(t, sec(4), *d.Arrival)
	assert.Equal(t, sec(2), *d.Prep)
	assert.Equal(t, sec(10), *d.Assembly)
	assert.Equal(t, sec(3), *d.Wait)
	assert.Nil(t, d.Transfer)

	s.FinalizeTransport(t0.Add(sec(24)))
	require.Len(t, sink.cycles, 1)
	rec := sink.cycles[0]
	assert.Equal(t, sec(5), *rec.Durations.Transfer)
	assert.Equal(t, sec(24), *rec.Durations.Cycle)
	assert.Equal(t, 1, s.Completed())

	s.FinalizeTransport(t0.Add(sec(30)))
	assert.Len(t, sink.cycles, 1, "second finalize is a no-op")
}

func TestStation_LostSuccessorArrivalKeepsPreviousCycle(t *testing.T) {
	s, sink, _ := newTestStation(0, 3)
	s.PrimeDispatchBackup(t0)

	dispatchUnit := func(arrive, prep, asm, out float64) {
		require.True(t, s.HandleToken(types.TokenArrive, t0.Add(sec(arrive))))
		require.True(t, s.HandleToken(types.TokenPrepared, t0.Add(sec(prep))))
		require.True(t, s.HandleToken(types.TokenAssembled, t0.Add(sec(asm))))
		require.True(t, s.HandleToken(types.TokenDispatch, t0.Add(sec(out))))
	}

	dispatchUnit(1, 2, 4, 5)
	assert.Empty(t, sink.cycles)

	// 工站 1 的 BS 丢失，第二个工件直接放行
	dispatchUnit(6, 7, 8, 10)
	require.Len(t, sink.cycles, 1)
	first := sink.cycles[0]
	assert.Nil(t, first.Durations.Transfer)
	assert.Equal(t, sec(1), *first.Durations.Wait)
	assert.Equal(t, sec(5), *first.Durations.Cycle, "cycle sums the four measured phases")
	assert.Equal(t, 1, s.Completed())

	s.FinalizeTransport(t0.Add(sec(12)))
	require.Len(t, sink.cycles, 2)
	second := sink.cycles[1]
	assert.Equal(t, sec(2), *second.Durations.Transfer)
	assert.Equal(t, sec(7), *second.Durations.Cycle)
	assert.Equal(t, 2, s.Completed())
}

func TestStation_LastStationClosesCycleOnDispatch(t *testing.T) {
	s, sink, lookup := newTestStation(2, 3)
	require.True(t, s.HandleTag(" C3 C3 64 AD", t0))
	assert.Equal(t, "101CP01079", s.Snapshot().Product)

	require.True(t, s.HandleToken(types.TokenArrive, t0))
	require.True(t, s.HandleToken(types.TokenPrepared, t0.Add(sec(1))))
	require.True(t, s.HandleToken(types.TokenAssembled, t0.Add(sec(3))))
	require.True(t, s.HandleToken(types.TokenDispatch, t0.Add(sec(4))))

	require.Len(t, sink.cycles, 1)
	rec := sink.cycles[0]
	assert.Equal(t, "101CP01079", rec.Product)
	assert.Equal(t, "PLT01", rec.Pallet)
	assert.Nil(t, rec.Durations.Arrival, "no dispatch backup yet")
	assert.Equal(t, time.Duration(0), *rec.Durations.Transfer)
	assert.Equal(t, sec(4), *rec.Durations.Cycle)
	assert.Equal(t, 1, s.Completed())
	assert.Equal(t, []string{"101CP01079"}, lookup.released)

	snap := s.Snapshot()
	assert.Empty(t, snap.Product)
	assert.Empty(t, snap.Pallet)
	assert.Equal(t, fsm.StateIdle, snap.State)
}

func TestDurations_SumSkipsMissingPhases(t *testing.T) {
	a, p, m, tr := sec(1), sec(2), sec(3), sec(4)
	d := Durations{Arrival: &a, Prep: &p, Assembly: &m, Transfer: &tr}
	require.NotNil(t, d.Sum())
	assert.Equal(t, sec(10), *d.Sum())

	assert.Nil(t, Durations{}.Sum())
}

func TestStation_FirstStationTagLoadsPallet(t *testing.T) {
	s, _, _ := newTestStation(0, 3)
	require.True(t, s.HandleTag(" C3 C3 64 AD", t0))

	snap := s.Snapshot()
	assert.Equal(t, "PLT01", snap.Pallet)
	assert.Empty(t, snap.Product, "first station waits for the operator association")

	assert.False(t, s.HandleTag("unknown", t0))

	// 放行时根据托盘解析产品
	s.HandleToken(types.TokenArrive, t0)
	s.HandleToken(types.TokenPrepared, t0)
	s.HandleToken(types.TokenAssembled, t0)
	s.HandleToken(types.TokenDispatch, t0.Add(sec(1)))
	require.NotNil(t, s.awaiting)
	assert.Equal(t, "101CP01079", s.awaiting.product)
}

func TestStation_UnresolvablePalletLeavesStateUnchanged(t *testing.T) {
	s, sink, lookup := newTestStation(1, 3)
	lookup.products = map[string]string{}

	assert.False(t, s.HandleTag(" C3 C3 64 AD", t0))
	assert.Empty(t, s.Snapshot().Pallet)
	assert.Empty(t, sink.snapshots)
}

func TestStation_OperatorAndProductAssignment(t *testing.T) {
	s, sink, _ := newTestStation(0, 2)
	s.SetOperator(&types.Operator{Name: "Ana", Image: "/static/ana.png"})
	assert.Equal(t, "Ana", s.Snapshot().Operator.Name)

	assert.False(t, s.AssignProduct("", "bogus"))
	assert.True(t, s.AssignProduct("PLT07", "101CP01080"))
	assert.Equal(t, "101CP01080", s.Snapshot().Product)
	assert.Equal(t, "PLT07", s.Snapshot().Pallet)

	s.SetOperator(nil)
	assert.Nil(t, s.Snapshot().Operator)
	assert.Len(t, sink.snapshots, 3)
}

func TestStation_Topology(t *testing.T) {
	first := New(0, 3)
	_, ok := first.Predecessor()
	assert.False(t, ok)
	next, ok := first.Successor()
	require.True(t, ok)
	assert.Equal(t, types.StationID(1), next)

	last := New(2, 3)
	assert.True(t, last.IsLast())
	_, ok = last.Successor()
	assert.False(t, ok)
}
