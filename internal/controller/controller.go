// Package controller wires the bus, the settings store, the run-state
// machine, the request tracker, and the search engine into the optimizing
// peer. It owns all subscription handlers and the single run goroutine.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/copyleftdev/ALIGN/internal/config"
	"github.com/copyleftdev/ALIGN/internal/errors"
	"github.com/copyleftdev/ALIGN/internal/logging"
	"github.com/copyleftdev/ALIGN/internal/metrics"
	"github.com/copyleftdev/ALIGN/internal/pending"
	"github.com/copyleftdev/ALIGN/internal/protocol"
	"github.com/copyleftdev/ALIGN/internal/runstate"
	"github.com/copyleftdev/ALIGN/internal/safety"
	"github.com/copyleftdev/ALIGN/internal/search"
	"github.com/copyleftdev/ALIGN/internal/settings"
	"github.com/copyleftdev/ALIGN/internal/transport"
)

// Controller is the optimizing peer. It listens for start/stop commands
// and setting updates, drives the search loop, and reports status and the
// terminal result over the bus.
type Controller struct {
	cfg    *config.Config
	log    *logging.Logger
	bus    transport.Bus
	topics protocol.Topics
	store  *settings.Store
	state  *runstate.Machine
	track  *pending.Tracker
	guard  *safety.Monitor
	obj    search.Objective
	met    *metrics.Metrics

	runCtx    context.Context
	runCancel context.CancelFunc

	mu        sync.Mutex
	engine    *search.Engine
	running   bool
	lastError string
	wg        sync.WaitGroup
}

// New assembles a Controller from its configuration. The initial settings
// must validate; a broken default configuration is a startup error, not
// something to limp past.
func New(cfg *config.Config, bus transport.Bus, log *logging.Logger, met *metrics.Metrics) (*Controller, error) {
	store, err := settings.NewStore(settings.Settings{
		Start:   protocol.Position{X: cfg.Settings.StartX, Y: cfg.Settings.StartY},
		XMin:    cfg.Settings.XMin,
		XMax:    cfg.Settings.XMax,
		YMin:    cfg.Settings.YMin,
		YMax:    cfg.Settings.YMax,
		SigXMin: cfg.Settings.SigXMin,
		SigYMin: cfg.Settings.SigYMin,
	})
	if err != nil {
		return nil, err
	}

	topics := protocol.NewTopics(cfg.Broker.PairID)
	runCtx, runCancel := context.WithCancel(context.Background())

	monitor := safety.NewMonitor(safety.Thresholds{
		TimeRMSMax:         cfg.Safety.TimeRMSMax,
		TimeCrestFactorMax: cfg.Safety.TimeCrestMax,
	})

	c := &Controller{
		cfg:       cfg,
		log:       log.WithField("component", "controller"),
		bus:       bus,
		topics:    topics,
		store:     store,
		guard:     monitor,
		obj:       search.NewWeightedCVI(),
		met:       met,
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	c.state = runstate.NewMachine(c.onTransition)
	c.track = pending.NewTracker(bus, topics, pending.Config{
		Timeout:           cfg.Request.Timeout,
		MaxAttempts:       cfg.Request.MaxAttempts,
		BackoffMultiplier: cfg.Request.BackoffMultiplier,
		Features:          cfg.Request.Features,
		FeatureFillValue:  cfg.Request.FeatureFillValue,
	}, log, met)
	return c, nil
}

// Start registers the subscription handlers and announces the controller
// as online and idle. It must be called after the bus is connected.
func (c *Controller) Start(ctx context.Context) error {
	subs := map[string]transport.Handler{
		c.topics.CtrlStart():       c.handleStart,
		c.topics.CtrlStop():        c.handleStop,
		c.topics.TelemetryResult(): c.handleResult,
		c.topics.ConfigSetting():   c.handleSetting,
	}
	for subject, handler := range subs {
		if err := c.bus.Subscribe(subject, handler); err != nil {
			return errors.Wrap(err, "controller", "Start", "subscribe "+subject)
		}
	}
	// The status subject is fire-and-forget, so a peer that reconnects
	// after a broker outage only learns our state if we announce it again.
	if rn, ok := c.bus.(interface{ OnReconnect(func()) }); ok {
		rn.OnReconnect(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.publishStatus(ctx, true, c.state.State().String(), "reconnected", "")
		})
	}

	c.publishStatus(ctx, true, c.state.State().String(), "online", "")
	c.log.Info("controller online", map[string]interface{}{"pair_id": c.topics.PairID()})
	return nil
}

// Close stops the active run if any, waits for it to wind down, and
// announces the controller as offline.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.engine != nil {
		c.engine.Stop()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.runCancel()
		<-done
	}
	c.runCancel()
	c.publishStatus(ctx, false, c.state.State().String(), "offline", "")
	return nil
}

func (c *Controller) handleStart(ctx context.Context, subject string, data []byte) {
	msg, err := protocol.Decode(subject, data)
	if err != nil {
		c.dropMalformed(subject, err)
		return
	}
	start, ok := msg.(protocol.Start)
	if !ok {
		c.dropMalformed(subject, errors.Errorf("unexpected %s on start subject", msg.Kind()))
		return
	}
	c.count(msg.Kind())

	reason := start.Note
	if reason == "" {
		reason = "start command"
	}
	if !c.state.Start(reason) {
		// Duplicate start while running: re-broadcast so the sender
		// learns the current state instead of waiting for a transition.
		c.log.Info("start ignored, run already active")
		c.publishStatus(ctx, true, c.state.State().String(), "already running", "")
		return
	}

	engine := search.NewEngine(search.Config{
		MaxIterations: c.cfg.Search.MaxIterations,
		Patience:      c.cfg.Search.Patience,
		Epsilon:       c.cfg.Search.Epsilon,
		Samples:       c.cfg.Search.Samples,
		SigX:          c.cfg.Search.SigX,
		SigY:          c.cfg.Search.SigY,
		SigXMax:       c.cfg.Search.SigXMax,
		SigYMax:       c.cfg.Search.SigYMax,
		UpScale:       c.cfg.Search.UpScale,
		DownScale:     c.cfg.Search.DownScale,
		Seed:          c.cfg.Search.Seed,
		Mode:          c.cfg.Search.Mode,
	}, c.obj, c.guard, c.store.Snapshot, c.evaluate, c.log, c.met)

	c.mu.Lock()
	c.engine = engine
	c.running = true
	c.lastError = ""
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(engine)
}

func (c *Controller) handleStop(ctx context.Context, subject string, data []byte) {
	msg, err := protocol.Decode(subject, data)
	if err != nil {
		c.dropMalformed(subject, err)
		return
	}
	if _, ok := msg.(protocol.Stop); !ok {
		c.dropMalformed(subject, errors.Errorf("unexpected %s on stop subject", msg.Kind()))
		return
	}
	c.count(msg.Kind())

	c.mu.Lock()
	engine, running := c.engine, c.running
	c.mu.Unlock()
	if !running || engine == nil {
		c.log.Debug("stop ignored, no run active")
		return
	}
	// Takes effect at the next iteration boundary; an in-flight request
	// is allowed to resolve or time out first.
	engine.Stop()
	c.log.Info("stop requested")
}

func (c *Controller) handleResult(ctx context.Context, subject string, data []byte) {
	msg, err := protocol.Decode(subject, data)
	if err != nil {
		c.dropMalformed(subject, err)
		return
	}
	c.count(msg.Kind())

	switch m := msg.(type) {
	case protocol.ResultFeatureSet:
		if !c.track.Resolve(m) {
			c.log.Debug("dropped result for unknown request", map[string]interface{}{"req_id": m.ReqID})
		}
	case protocol.AgentError:
		if !c.track.ResolveError(m.ReqID, m.Reason) {
			c.log.Debug("dropped error for unknown request", map[string]interface{}{"req_id": m.ReqID})
		}
	default:
		c.dropMalformed(subject, errors.Errorf("unexpected %s on result subject", msg.Kind()))
	}
}

func (c *Controller) handleSetting(ctx context.Context, subject string, data []byte) {
	upd, err := protocol.DecodeSetting(subject, data)
	if err != nil {
		c.dropMalformed(subject, err)
		return
	}
	c.count(protocol.TypeSetting)

	if err := c.store.Apply(upd); err != nil {
		if c.met != nil {
			c.met.SettingsRejected.Inc()
		}
		c.log.Warn("setting update rejected", map[string]interface{}{"error": err.Error()})
		return
	}
	if c.met != nil {
		c.met.SettingsApplied.Inc()
	}
	snap := c.store.Snapshot()
	c.log.Info("settings applied", map[string]interface{}{
		"start_x": snap.Start.X, "start_y": snap.Start.Y,
		"x_min": snap.XMin, "x_max": snap.XMax,
		"y_min": snap.YMin, "y_max": snap.YMax,
	})
}

// run executes one optimization and reports the terminal outcome. It is
// the only goroutine that mutates the run state past Running.
func (c *Controller) run(engine *search.Engine) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		// The terminal status broadcast below can trigger a new start
		// before this defer runs; only clear our own registration.
		if c.engine == engine {
			c.engine = nil
			c.running = false
		}
		c.mu.Unlock()
	}()

	res, err := engine.Run(c.runCtx)

	result := protocol.OptimizationResult{
		StartPosition: res.Start,
		BestPosition:  res.Best,
		BestScore:     res.BestScore,
		Iterations:    res.Iterations,
		Stopped:       res.Stopped,
	}
	if len(res.Trace) > 0 {
		result.BeforeFeatures = res.Trace[0].Features
		for i := len(res.Trace) - 1; i >= 0; i-- {
			if res.Trace[i].Improved {
				result.AfterFeatures = res.Trace[i].Features
				break
			}
		}
	}

	// Park and publish the end message first. The terminal status is the
	// peer's cue that a new run may start, so no bus traffic from this run
	// may follow it.
	if err == nil && !res.Stopped {
		if feats := c.parkAtBest(res.Best); feats != nil {
			result.AfterFeatures = feats
		}
	}
	c.publishEnd(result)

	switch {
	case err != nil:
		c.mu.Lock()
		c.lastError = err.Error()
		c.mu.Unlock()
		c.state.Fail(err.Error())
		c.log.Error("run failed", map[string]interface{}{
			"error":      err.Error(),
			"iterations": res.Iterations,
			"best_score": res.BestScore,
		})
	case res.Stopped:
		c.state.Stop("stop command honored")
	default:
		c.state.Complete("converged")
	}
}

// parkAtBest sends a final move so the agent ends the run sitting at the
// best position found, not at the last probed candidate. The measurement
// taken there becomes the run's closing feature snapshot.
func (c *Controller) parkAtBest(best protocol.Position) map[string]float64 {
	// The tracker's own retry budget bounds this call.
	feats, err := c.track.SendAndWait(c.runCtx, best)
	if err != nil {
		c.log.Warn("failed to park at best position", map[string]interface{}{"error": err.Error()})
		return nil
	}
	return feats
}

func (c *Controller) evaluate(ctx context.Context, target protocol.Position) (search.FeatureSet, error) {
	feats, err := c.track.SendAndWait(ctx, target)
	if err != nil {
		return nil, err
	}
	return search.FeatureSet(feats), nil
}

// onTransition broadcasts every accepted run-state change.
func (c *Controller) onTransition(tr runstate.Transition) {
	if c.met != nil {
		c.met.StateTransitions.WithLabelValues(tr.To.String()).Inc()
	}
	c.mu.Lock()
	lastError := c.lastError
	c.mu.Unlock()
	if tr.To != runstate.Error {
		lastError = ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.publishStatus(ctx, true, tr.To.String(), tr.Reason, lastError)
	c.log.Info("state transition", map[string]interface{}{
		"from": tr.From.String(), "to": tr.To.String(), "reason": tr.Reason,
	})
}

func (c *Controller) publishStatus(ctx context.Context, online bool, state, note, errMsg string) {
	payload, err := protocol.Encode(protocol.Status{
		Online:       online,
		State:        state,
		Note:         note,
		ErrorMessage: errMsg,
		Sender:       protocol.SenderController,
	})
	if err != nil {
		c.log.Error("failed to encode status", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := c.bus.Publish(ctx, c.topics.Status(), payload); err != nil {
		c.log.Warn("failed to publish status", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Controller) publishEnd(result protocol.OptimizationResult) {
	payload, err := protocol.Encode(protocol.End{
		Result: result,
		Sender: protocol.SenderController,
	})
	if err != nil {
		c.log.Error("failed to encode end message", map[string]interface{}{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.bus.Publish(ctx, c.topics.CtrlEnd(), payload); err != nil {
		c.log.Warn("failed to publish end message", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Controller) dropMalformed(subject string, err error) {
	if c.met != nil {
		c.met.DecodeFailures.Inc()
	}
	c.log.Warn("dropped malformed message", map[string]interface{}{
		"subject": subject, "error": err.Error(),
	})
}

func (c *Controller) count(kind protocol.Type) {
	if c.met != nil {
		c.met.MessagesReceived.WithLabelValues(string(kind)).Inc()
	}
}
