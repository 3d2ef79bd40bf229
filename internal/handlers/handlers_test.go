package handlers

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"assembly-line-supervisor/internal/event"
	"assembly-line-supervisor/internal/fsm"
	"assembly-line-supervisor/internal/metrics"
	"assembly-line-supervisor/internal/production"
	"assembly-line-supervisor/internal/station"
	"assembly-line-supervisor/internal/types"
)

func TestRegisterEventHandlers_Metrics(t *testing.T) {
	bus := event.NewBus()
	RegisterEventHandlers(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// 使用测试专用的工站编号，避免与其他测试共享标签
	id := types.StationID(41)
	cycle := 12 * time.Second
	bus.Publish(event.Event{Type: event.StationTransition, StationID: id, To: fsm.StateArrived})
	bus.Publish(event.Event{Type: event.FeederActivated, StationID: id})
	bus.Publish(event.Event{Type: event.VisionRejected, StationID: id, Reason: "stale"})
	bus.Publish(event.Event{Type: event.CycleClosed, StationID: id, Cycle: &station.CycleRecord{
		Station:   id,
		Durations: station.Durations{Cycle: &cycle},
	}})
	snap := production.Snapshot{Status: production.StatusArmed}
	bus.Publish(event.Event{Type: event.ProductionChanged, Production: &snap})

	label := id.String()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StationTransitions.WithLabelValues(label, fsm.StateArrived.String())) == 1 &&
			testutil.ToFloat64(metrics.FeederCommands.WithLabelValues(label)) == 1 &&
			testutil.ToFloat64(metrics.VisionRejections.WithLabelValues(label, "stale")) == 1 &&
			testutil.ToFloat64(metrics.UnitsCompleted.WithLabelValues(label)) == 1 &&
			testutil.ToFloat64(metrics.ProductionStatus) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
