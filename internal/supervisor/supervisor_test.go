package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"assembly-line-supervisor/internal/fsm"
	"assembly-line-supervisor/internal/notify"
	"assembly-line-supervisor/internal/pallet"
	"assembly-line-supervisor/internal/persistence"
	"assembly-line-supervisor/internal/production"
	"assembly-line-supervisor/internal/readiness"
	"assembly-line-supervisor/internal/types"
)

type broadcast struct {
	topic, room string
	payload     any
}

type alert struct {
	id      types.StationID
	message string
}

type fakeNotifier struct {
	mu         sync.Mutex
	broadcasts []broadcast
	alerts     []alert
	fail       error
}

func (f *fakeNotifier) Broadcast(topic, room string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcast{topic, room, payload})
	return f.fail
}

func (f *fakeNotifier) Alert(id types.StationID, message, _ string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert{id, message})
	return f.fail
}

func (f *fakeNotifier) topics(topic string) []broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcast
	for _, b := range f.broadcasts {
		if b.topic == topic {
			out = append(out, b)
		}
	}
	return out
}

func (f *fakeNotifier) alertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type fakeCommander struct {
	mu      sync.Mutex
	feeders []types.StationID
	signals []bool
	cameras []string
	tokens  []types.Token
	fail    error
}

func (f *fakeCommander) ActivateFeeder(_ context.Context, id types.StationID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeders = append(f.feeders, id)
	return f.fail
}

func (f *fakeCommander) LineSignal(_ context.Context, start bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, start)
	return f.fail
}

func (f *fakeCommander) Camera(_ context.Context, id types.StationID, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := "stop"
	if on {
		cmd = "restart"
	}
	f.cameras = append(f.cameras, id.String()+":"+cmd)
	return f.fail
}

func (f *fakeCommander) PublishToken(_ context.Context, _ types.StationID, tok types.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, tok)
	return f.fail
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []persistence.Job
}

func (f *fakeQueue) Submit(job persistence.Job) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return true
}

func (f *fakeQueue) table(name string) []persistence.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.Job
	for _, j := range f.jobs {
		if j.Table == name {
			out = append(out, j)
		}
	}
	return out
}

type fakeLogs struct{ next int64 }

func (f *fakeLogs) CreateProductionLog(context.Context, string, int, time.Time) (int64, error) {
	f.next++
	return f.next, nil
}

type harness struct {
	sup      *Supervisor
	clk      *clocktesting.FakeClock
	notifier *fakeNotifier
	cmd      *fakeCommander
	queue    *fakeQueue
}

func newHarness(t *testing.T, stations int, vision VisionConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clk:      clocktesting.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)),
		notifier: &fakeNotifier{},
		cmd:      &fakeCommander{},
		queue:    &fakeQueue{},
	}
	base := []Option{
		WithClock(h.clk),
		WithNotifier(h.notifier),
		WithCommander(h.cmd),
		WithQueue(h.queue),
		WithLogStore(&fakeLogs{}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	sup, err := New(Config{Stations: stations, Model: "Proxy - CPD", Vision: vision}, append(base, opts...)...)
	require.NoError(t, err)
	h.sup = sup
	return h
}

func noVision() VisionConfig { return VisionConfig{Enabled: false} }

// device 发送设备消息后时钟前进 1s
func (h *harness) device(id types.StationID, payload string) {
	h.sup.HandleDeviceMessage("rastreio/esp32/"+id.String()+"/dispositivo", []byte(payload))
	h.clk.Step(time.Second)
}

func (h *harness) unit(id types.StationID) {
	for _, tok := range []string{"BS", "BT1", "BT2", "BD"} {
		h.device(id, tok)
	}
}

func TestSupervisor_FeederRules(t *testing.T) {
	h := newHarness(t, 3, noVision())

	h.device(1, "BS")
	h.device(1, "BT1")
	h.device(1, "BT2")
	assert.Equal(t, []types.StationID{1}, h.cmd.feeders, "station 1 waits while station 2 is idle")

	h.device(2, "BS")
	h.device(2, "BT1")
	h.device(2, "BT2")
	assert.Equal(t, []types.StationID{1, 2}, h.cmd.feeders, "last station always feeds on waiting")

	h.device(2, "BD")
	assert.Equal(t, []types.StationID{1, 2, 1}, h.cmd.feeders, "station 2 idle again, station 1 still waiting")
}

func TestSupervisor_FeederNotIssuedWhenSuccessorBusy(t *testing.T) {
	h := newHarness(t, 3, noVision())

	h.device(1, "BS")
	h.device(0, "BS")
	h.device(0, "BT1")
	h.device(0, "BT2")
	assert.Empty(t, h.cmd.feeders, "station 1 is not idle")
}

func TestSupervisor_VisionGateAlertCooldown(t *testing.T) {
	h := newHarness(t, 2, DefaultVisionConfig())

	h.sup.HandleToken(0, types.TokenArrive, h.clk.Now())
	h.sup.HandleToken(0, types.TokenPrepared, h.clk.Now())

	assert.False(t, h.sup.HandleToken(0, types.TokenAssembled, h.clk.Now()))
	assert.Equal(t, 1, h.notifier.alertCount())

	h.clk.Step(500 * time.Millisecond)
	assert.False(t, h.sup.HandleToken(0, types.TokenAssembled, h.clk.Now()))
	assert.Equal(t, 1, h.notifier.alertCount(), "inside the cooldown window")

	h.clk.Step(600 * time.Millisecond)
	assert.False(t, h.sup.HandleToken(0, types.TokenAssembled, h.clk.Now()))
	assert.Equal(t, 2, h.notifier.alertCount(), "cooldown elapsed")

	snap, _ := h.sup.Snapshot(0)
	assert.Equal(t, fsm.StatePrepared, snap.State, "rejection leaves the FSM untouched")

	// 视觉确认 DONE 且稳定后放行
	h.sup.HandleVisionMessage("visao/posto_0/estado", []byte(`{"estado":"FINALIZADO"}`))
	assert.False(t, h.sup.HandleToken(0, types.TokenAssembled, h.clk.Now()), "still inside the debounce window")
	h.clk.Step(600 * time.Millisecond)
	assert.True(t, h.sup.HandleToken(0, types.TokenAssembled, h.clk.Now()))
}

func TestSupervisor_VisionOnlyGatesConfiguredStations(t *testing.T) {
	cfg := DefaultVisionConfig()
	cfg.Stations = []types.StationID{1}
	h := newHarness(t, 2, cfg)

	h.unit(0)
	snap, _ := h.sup.Snapshot(0)
	assert.Equal(t, fsm.StateIdle, snap.State, "station 0 is not gated")
	assert.Equal(t, 0, h.notifier.alertCount())

	h.device(1, "BS")
	h.device(1, "BT1")
	h.device(1, "BT2")
	snap, _ = h.sup.Snapshot(1)
	assert.Equal(t, fsm.StatePrepared, snap.State)
	assert.Equal(t, 1, h.notifier.alertCount())
}

func TestSupervisor_AutoStartFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, 3, noVision())
	ctx := context.Background()

	require.NoError(t, h.sup.Arm(ctx, "OP1", 2))
	assert.Equal(t, production.StatusArmed, h.sup.Production().Status)

	require.NoError(t, h.sup.OperatorCheckIn(0, "Ana", ""))
	require.NoError(t, h.sup.OperatorCheckIn(1, "Bia", ""))
	assert.Equal(t, production.StatusArmed, h.sup.Production().Status, "readiness predicate still false")
	assert.Empty(t, h.cmd.signals)

	require.NoError(t, h.sup.OperatorCheckIn(2, "Caio", ""))
	assert.Equal(t, production.StatusOn, h.sup.Production().Status)

	require.NoError(t, h.sup.OperatorCheckOut(2))
	require.NoError(t, h.sup.OperatorCheckIn(2, "Caio", ""))
	started, err := h.sup.Start(ctx, "operator", "", 0)
	require.NoError(t, err)
	assert.False(t, started, "start is idempotent")

	assert.Equal(t, []bool{true}, h.cmd.signals)
	assert.Len(t, h.queue.table(persistence.TableProductionLog), 1, "one ON update for the production log")
}

func TestSupervisor_EndToEndTargetReached(t *testing.T) {
	cfg := DefaultVisionConfig()
	cfg.Stations = []types.StationID{0}
	h := newHarness(t, 3, cfg)
	ctx := context.Background()

	require.NoError(t, h.sup.Arm(ctx, "OP1", 2))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.sup.OperatorCheckIn(types.StationID(i), "op", ""))
	}
	require.Equal(t, production.StatusOn, h.sup.Production().Status)
	require.True(t, h.sup.Production().TimerRunning)

	// 首工站: 装配完成需要视觉确认
	h.sup.HandleVisionMessage("visao/posto_0/estado", []byte("FINALIZADO"))
	h.device(0, "BS")
	h.device(0, "BT1")
	h.sup.HandleVisionMessage("visao/0/estado", []byte("done"))
	h.device(0, "BT2")
	h.device(0, "BD")
	snap, _ := h.sup.Snapshot(0)
	require.Equal(t, fsm.StateIdle, snap.State)

	h.unit(1)
	snap, _ = h.sup.Snapshot(0)
	assert.Equal(t, 1, snap.Completed, "station 1 arrival closes station 0 transport")

	h.unit(2)
	assert.Equal(t, 1, h.sup.GlobalStatus().Completed)
	assert.Equal(t, production.StatusOn, h.sup.Production().Status)

	h.unit(2)
	assert.Equal(t, production.StatusOff, h.sup.Production().Status)
	gs := h.sup.GlobalStatus()
	assert.Equal(t, 2, gs.Completed)
	assert.False(t, gs.TimerRunning)
	frozen := gs.TimerMs
	h.clk.Step(time.Minute)
	assert.Equal(t, frozen, h.sup.GlobalStatus().TimerMs, "timer stopped")

	assert.Equal(t, []bool{true, false}, h.cmd.signals)
	stops := h.notifier.topics(notify.TopicLineStopped)
	require.Len(t, stops, 1)
	assert.Equal(t, ReasonTargetReached, stops[0].payload.(map[string]any)["motivo"])

	logs := h.queue.table(persistence.TableProductionLog)
	require.Len(t, logs, 2)
	final := logs[1].Rows[0]
	assert.Equal(t, persistence.LogFinalized, final["status"])
	assert.Equal(t, ReasonTargetReached, final["motivo_fim"])
	assert.Equal(t, 2, final["produzidos"])

	assert.Len(t, h.queue.table("posto_0"), 1)
	assert.Len(t, h.queue.table("posto_2"), 2)

	progress := h.notifier.topics(notify.TopicProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, 2, progress[len(progress)-1].payload.(notify.ProgressPayload).Completed)
}

func TestSupervisor_ManualStopFromArmed(t *testing.T) {
	h := newHarness(t, 2, noVision())
	ctx := context.Background()

	require.NoError(t, h.sup.Arm(ctx, "OP7", 5))
	assert.True(t, h.sup.Stop(ctx, "operator", ""))
	assert.Equal(t, production.StatusOff, h.sup.Production().Status)
	assert.False(t, h.sup.Stop(ctx, "operator", ""))

	logs := h.queue.table(persistence.TableProductionLog)
	require.Len(t, logs, 1)
	assert.Equal(t, ReasonManual, logs[0].Rows[0]["motivo_fim"])
}

func TestSupervisor_ReplacedLogsAreFinalized(t *testing.T) {
	h := newHarness(t, 2, noVision())
	ctx := context.Background()

	require.NoError(t, h.sup.Arm(ctx, "OP1", 3))
	require.NoError(t, h.sup.Arm(ctx, "OP2", 4))
	started, err := h.sup.Start(ctx, "operator", "OP3", 7)
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, int64(3), h.sup.Production().Meta.LogID)
	require.True(t, h.sup.Stop(ctx, "operator", ""))

	final := map[any]any{}
	for _, j := range h.queue.table(persistence.TableProductionLog) {
		row := j.Rows[0]
		if row["status"] == persistence.LogFinalized {
			final[row["id"]] = row["motivo_fim"]
		}
	}
	assert.Equal(t, map[any]any{
		int64(1): ReasonSuperseded,
		int64(2): ReasonSuperseded,
		int64(3): ReasonManual,
	}, final)
}

func TestSupervisor_LostArrivalStillPersistsUpstreamCycle(t *testing.T) {
	h := newHarness(t, 3, noVision())

	h.unit(0)
	h.unit(0)
	h.device(1, "BS")

	assert.Len(t, h.queue.table("posto_0"), 2)
	snap, ok := h.sup.Snapshot(0)
	require.True(t, ok)
	assert.Equal(t, 2, snap.Completed)
}

func TestProjection(t *testing.T) {
	p, ok := Projection(100*time.Second, 10, 2)
	require.True(t, ok)
	assert.Equal(t, 500*time.Second, p)

	_, ok = Projection(100*time.Second, 10, 0)
	assert.False(t, ok)
	_, ok = Projection(100*time.Second, 0, 3)
	assert.False(t, ok)
}

func TestSupervisor_GlobalStatusProjection(t *testing.T) {
	h := newHarness(t, 1, noVision())
	ctx := context.Background()

	started, err := h.sup.Start(ctx, "operator", "OP2", 10)
	require.NoError(t, err)
	require.True(t, started)
	assert.Nil(t, h.sup.GlobalStatus().Projection, "unknown before the first unit")

	h.clk.Step(50 * time.Second)
	h.unit(0) // 4s
	h.unit(0)
	h.clk.Step(42 * time.Second)

	gs := h.sup.GlobalStatus()
	assert.Equal(t, 2, gs.Completed)
	assert.Equal(t, int64(100_000), gs.TimerMs)
	require.NotNil(t, gs.Projection)
	assert.Equal(t, 500.0, *gs.Projection)
}

func TestSupervisor_NotifierFailuresDoNotPropagate(t *testing.T) {
	h := newHarness(t, 2, noVision())
	h.notifier.fail = errors.New("socket down")
	h.cmd.fail = errors.New("broker down")

	h.unit(0)
	h.unit(1)
	snap, _ := h.sup.Snapshot(1)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, fsm.StateIdle, snap.State)
}

func TestSupervisor_CheckInUnknownStationStillSyncs(t *testing.T) {
	h := newHarness(t, 2, noVision())

	err := h.sup.OperatorCheckIn(7, "Ana", "")
	assert.ErrorIs(t, err, readiness.ErrUnknownStation)
	assert.Len(t, h.notifier.topics(notify.TopicOperatorUpdate), 1)
}

func TestSupervisor_AssociatePallet(t *testing.T) {
	table := pallet.NewTable(map[string]string{" C3 C3 64 AD": "PLT01"})
	h := newHarness(t, 3, noVision(), WithPallets(table))
	ctx := context.Background()

	_, err := h.sup.AssociatePallet(ctx, "PLT01", "061CP01001")
	require.ErrorIs(t, err, ErrProductionOff)

	_, err = h.sup.Start(ctx, "operator", "OP3", 3)
	require.NoError(t, err)

	a, err := h.sup.AssociatePallet(ctx, "PLT01", "061CP01001")
	require.NoError(t, err)
	assert.Equal(t, "PLT01", a.Pallet)
	snap, _ := h.sup.Snapshot(0)
	assert.Equal(t, "061CP01001", snap.Product)
	assert.Equal(t, []types.Token{types.TokenDispatch}, h.cmd.tokens)
	assert.Len(t, h.queue.table(persistence.TableAssociations), 1)

	_, err = h.sup.AssociatePallet(ctx, "PLT01", "061CP01002")
	assert.ErrorIs(t, err, pallet.ErrPalletInUse)

	// 下游工站读到托盘卡号后解析出产品
	h.device(1, " C3 C3 64 AD")
	snap, _ = h.sup.Snapshot(1)
	assert.Equal(t, "061CP01001", snap.Product)
	assert.Equal(t, "PLT01", snap.Pallet)
}

func TestSupervisor_CameraRules(t *testing.T) {
	h := newHarness(t, 2, noVision())
	h.sup.camera = true

	h.unit(0)
	h.device(1, "BS")
	assert.Equal(t, []string{"posto_0:restart", "posto_0:stop", "posto_1:restart"}, h.cmd.cameras)
}
