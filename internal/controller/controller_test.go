package controller

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ALIGN/internal/config"
	"github.com/copyleftdev/ALIGN/internal/logging"
	"github.com/copyleftdev/ALIGN/internal/protocol"
	"github.com/copyleftdev/ALIGN/internal/transport/bustest"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Broker.PairID = "test"

	cfg.Request.Timeout = 10 * time.Millisecond
	cfg.Request.MaxAttempts = 2
	cfg.Request.BackoffMultiplier = 2
	cfg.Request.Features = config.DefaultFeatures

	cfg.Search.MaxIterations = 30
	cfg.Search.Patience = 3
	cfg.Search.Epsilon = 1e-4
	cfg.Search.Samples = 1
	cfg.Search.SigX = 2
	cfg.Search.SigY = 2
	cfg.Search.SigXMax = 2.5
	cfg.Search.SigYMax = 2.5
	cfg.Search.UpScale = 1.2
	cfg.Search.DownScale = 0.8
	cfg.Search.Seed = 42

	cfg.Safety.TimeRMSMax = 50
	cfg.Safety.TimeCrestMax = 100

	cfg.Settings.StartX = 25
	cfg.Settings.StartY = -30
	cfg.Settings.XMin = 18.5
	cfg.Settings.XMax = 29.5
	cfg.Settings.YMin = -36.5
	cfg.Settings.YMax = -25.5
	cfg.Settings.SigXMin = 0.01
	cfg.Settings.SigYMin = 0.01
	return cfg
}

type fixture struct {
	bus    *bustest.Bus
	ctrl   *Controller
	topics protocol.Topics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := bustest.New()
	logger := logging.New(logging.ErrorLevel, io.Discard)

	ctrl, err := New(testConfig(), bus, logger, nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ctrl.Close(ctx)
	})
	return &fixture{bus: bus, ctrl: ctrl, topics: protocol.NewTopics("test")}
}

// respondToMoves scripts the measurement agent: every move command gets a
// result whose vibration grows with the distance from (20, -30).
func (f *fixture) respondToMoves(t *testing.T) {
	t.Helper()
	f.bus.OnPublish(func(subject string, data []byte) {
		if subject != f.topics.CmdPoint() {
			return
		}
		msg, err := protocol.Decode(subject, data)
		require.NoError(t, err)
		mp := msg.(protocol.MovePoint)

		dx, dy := mp.Target.X-20, mp.Target.Y+30
		d2 := dx*dx + dy*dy
		f.deliverResult(t, mp.ReqID, 0.1+0.05*d2)
	})
}

func (f *fixture) deliverResult(t *testing.T, reqID string, rms float64) {
	t.Helper()
	payload, err := protocol.Encode(protocol.ResultFeatureSet{
		ReqID:  reqID,
		Names:  []string{"Time_rms_x", "Time_crestfactor_x", "Powerspectrum_rms_x"},
		Values: []float64{rms, 3.0, 0.01},
		Sender: protocol.SenderAgent,
	})
	require.NoError(t, err)
	f.bus.Deliver(f.topics.TelemetryResult(), payload)
}

func (f *fixture) sendStart(t *testing.T) {
	t.Helper()
	payload, err := protocol.Encode(protocol.Start{Sender: protocol.SenderAgent})
	require.NoError(t, err)
	f.bus.Deliver(f.topics.CtrlStart(), payload)
}

func (f *fixture) sendStop(t *testing.T) {
	t.Helper()
	payload, err := protocol.Encode(protocol.Stop{Sender: protocol.SenderAgent})
	require.NoError(t, err)
	f.bus.Deliver(f.topics.CtrlStop(), payload)
}

func (f *fixture) endMessages(t *testing.T) []protocol.End {
	t.Helper()
	var ends []protocol.End
	for _, data := range f.bus.Published(f.topics.CtrlEnd()) {
		msg, err := protocol.Decode(f.topics.CtrlEnd(), data)
		require.NoError(t, err)
		ends = append(ends, msg.(protocol.End))
	}
	return ends
}

func (f *fixture) statusStates(t *testing.T) []string {
	t.Helper()
	var states []string
	for _, data := range f.bus.Published(f.topics.Status()) {
		msg, err := protocol.Decode(f.topics.Status(), data)
		require.NoError(t, err)
		states = append(states, msg.(protocol.Status).State)
	}
	return states
}

// awaitState waits for the given run state to be the latest broadcast.
// Terminal states are announced after the end message, so tests that woke
// up on the end message poll for the status instead of asserting it.
func (f *fixture) awaitState(t *testing.T, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		states := f.statusStates(t)
		return len(states) > 0 && states[len(states)-1] == state
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunToCompletion(t *testing.T) {
	f := newFixture(t)
	f.respondToMoves(t)
	f.sendStart(t)

	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	end := f.endMessages(t)[0]
	assert.Equal(t, protocol.Position{X: 25, Y: -30}, end.Result.StartPosition)
	assert.Greater(t, end.Result.Iterations, 0)
	assert.False(t, end.Result.Stopped)
	assert.NotEmpty(t, end.Result.BeforeFeatures)

	startDx, startDy := 25.0-20.0, -30.0+30.0
	bestDx, bestDy := end.Result.BestPosition.X-20, end.Result.BestPosition.Y+30
	assert.Less(t, bestDx*bestDx+bestDy*bestDy, startDx*startDx+startDy*startDy,
		"best position should be closer to the quiet spot than the start")

	f.awaitState(t, "completed")
	states := f.statusStates(t)
	assert.Equal(t, "idle", states[0], "online announcement precedes any run")
	assert.Contains(t, states, "running")
}

func TestStopCommandHaltsRun(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	moves := 0
	f.bus.OnPublish(func(subject string, data []byte) {
		if subject != f.topics.CmdPoint() {
			return
		}
		msg, err := protocol.Decode(subject, data)
		require.NoError(t, err)
		mp := msg.(protocol.MovePoint)

		mu.Lock()
		moves++
		n := moves
		mu.Unlock()
		if n == 3 {
			// Stop arrives while the third request is in flight; the
			// result below must still resolve it before the halt.
			f.sendStop(t)
		}
		f.deliverResult(t, mp.ReqID, 1.0)
	})

	f.sendStart(t)

	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	end := f.endMessages(t)[0]
	assert.True(t, end.Result.Stopped)
	f.awaitState(t, "stopped")

	mu.Lock()
	defer mu.Unlock()
	// The stop lands during the second iteration's vertex probes; the
	// iteration finishes its remaining vertex before the halt.
	assert.Equal(t, 4, moves, "no further requests once the stop takes effect")
}

func TestDuplicateStartRebroadcastsStatus(t *testing.T) {
	f := newFixture(t)
	f.respondToMoves(t)

	f.sendStart(t)
	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.awaitState(t, "completed")

	// A second start after completion begins a fresh run.
	f.sendStart(t)
	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgentErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	f.bus.OnPublish(func(subject string, data []byte) {
		if subject != f.topics.CmdPoint() {
			return
		}
		msg, err := protocol.Decode(subject, data)
		require.NoError(t, err)
		mp := msg.(protocol.MovePoint)

		payload, err := protocol.Encode(protocol.AgentError{
			ReqID:  mp.ReqID,
			Reason: "stage fault",
			Sender: protocol.SenderAgent,
		})
		require.NoError(t, err)
		f.bus.Deliver(f.topics.TelemetryResult(), payload)
	})

	f.sendStart(t)

	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.awaitState(t, "error")
}

func TestSafetyBreachAbortsRun(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	moves := 0
	f.bus.OnPublish(func(subject string, data []byte) {
		if subject != f.topics.CmdPoint() {
			return
		}
		msg, err := protocol.Decode(subject, data)
		require.NoError(t, err)
		mp := msg.(protocol.MovePoint)

		mu.Lock()
		moves++
		mu.Unlock()
		// Well above the configured Time_rms limit of 50.
		f.deliverResult(t, mp.ReqID, 60.0)
	})

	f.sendStart(t)

	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.awaitState(t, "error")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, moves, "no further move commands after a safety breach")
}

func TestSilentAgentExhaustsIterationBudget(t *testing.T) {
	f := newFixture(t)
	// No responder: every request times out. Each failed measurement costs
	// one iteration, so the run ends on the budget rather than a fault.
	f.sendStart(t)

	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 1
	}, 10*time.Second, 10*time.Millisecond)

	end := f.endMessages(t)[0]
	assert.Equal(t, 30, end.Result.Iterations)
	assert.False(t, end.Result.Stopped)

	f.awaitState(t, "completed")
	assert.NotContains(t, f.statusStates(t), "error")

	// One initial request plus one retry per iteration, plus the final
	// parking move and its retry.
	assert.Len(t, f.bus.Published(f.topics.CmdPoint()), 62)
}

func TestStopAfterRestartIsHonored(t *testing.T) {
	f := newFixture(t)

	// Moves belonging to the second run are held open until the test
	// releases them, keeping that run alive while it gets stopped.
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	defer unblock()

	f.bus.OnPublish(func(subject string, data []byte) {
		if subject != f.topics.CmdPoint() {
			return
		}
		msg, err := protocol.Decode(subject, data)
		require.NoError(t, err)
		mp := msg.(protocol.MovePoint)

		if len(f.bus.Published(f.topics.CtrlEnd())) > 0 {
			<-release
		}
		f.deliverResult(t, mp.ReqID, 1.0)
	})

	// Restart the moment the first run announces completion. The handler
	// runs on the first run's goroutine, so the new run begins while the
	// old one is still winding down.
	var restartOnce sync.Once
	var restarted atomic.Bool
	require.NoError(t, f.bus.Subscribe(f.topics.Status(), func(ctx context.Context, subject string, data []byte) {
		msg, err := protocol.Decode(subject, data)
		if err != nil {
			return
		}
		st, ok := msg.(protocol.Status)
		if !ok || st.State != "completed" {
			return
		}
		restartOnce.Do(func() {
			f.sendStart(t)
			restarted.Store(true)
		})
	}))

	f.sendStart(t)
	require.Eventually(t, func() bool {
		return restarted.Load()
	}, 5*time.Second, 5*time.Millisecond)

	// The second run is holding its first request open; a stop now must
	// reach the new engine, not a stale registration of the finished run.
	f.sendStop(t)
	unblock()

	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 2
	}, 5*time.Second, 5*time.Millisecond)
	ends := f.endMessages(t)
	assert.True(t, ends[1].Result.Stopped, "a stop during a restarted run must halt it")
}

func TestMalformedMessagesDropped(t *testing.T) {
	f := newFixture(t)

	f.bus.Deliver(f.topics.CtrlStart(), []byte(`{broken`))
	f.bus.Deliver(f.topics.TelemetryResult(), []byte(`{"type":"result_feature_set"}`))
	f.bus.Deliver(f.topics.ConfigSetting(), []byte(`{"type":"move_point"}`))
	f.bus.Deliver(f.topics.CtrlStop(), []byte(`{"type":"start"}`))

	// Nothing was valid, so no run started and no end was published.
	assert.Empty(t, f.endMessages(t))
	states := f.statusStates(t)
	require.NotEmpty(t, states)
	assert.NotContains(t, states, "running")
}

func TestSettingUpdateChangesNextRun(t *testing.T) {
	f := newFixture(t)
	f.respondToMoves(t)

	payload := []byte(`{"start_x":19.0,"start_y":-35.0}`)
	f.bus.Deliver(f.topics.ConfigSetting(), payload)

	f.sendStart(t)
	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	end := f.endMessages(t)[0]
	assert.Equal(t, protocol.Position{X: 19, Y: -35}, end.Result.StartPosition)
}

func TestInvalidSettingUpdateRetainsPrior(t *testing.T) {
	f := newFixture(t)
	f.respondToMoves(t)

	// x_min above x_max must be rejected wholesale.
	f.bus.Deliver(f.topics.ConfigSetting(), []byte(`{"x_min":40.0}`))

	f.sendStart(t)
	require.Eventually(t, func() bool {
		return len(f.endMessages(t)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	end := f.endMessages(t)[0]
	assert.Equal(t, protocol.Position{X: 25, Y: -30}, end.Result.StartPosition)
}
