// Package search implements the gradient-free position optimization loop:
// a triangle-pattern local search with adaptive step sizes and a composite
// vibration objective.
package search

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/ALIGN/internal/errors"
	"github.com/copyleftdev/ALIGN/internal/logging"
	"github.com/copyleftdev/ALIGN/internal/metrics"
	"github.com/copyleftdev/ALIGN/internal/protocol"
	"github.com/copyleftdev/ALIGN/internal/safety"
	"github.com/copyleftdev/ALIGN/internal/settings"
)

// Evaluator measures the feature set at a target position. It blocks until
// the measurement arrives or the request's retry budget runs out.
type Evaluator func(ctx context.Context, target protocol.Position) (FeatureSet, error)

// Candidate selection modes.
const (
	// ModeScore picks the triangle vertex with the lowest objective score.
	ModeScore = "score"
	// ModeRank picks by aggregate per-component rank across the vertices.
	ModeRank = "rank"
)

// Config tunes the search loop.
type Config struct {
	MaxIterations int
	Patience      int
	Epsilon       float64
	Samples       int
	SigX          float64
	SigY          float64
	SigXMax       float64
	SigYMax       float64
	UpScale       float64
	DownScale     float64
	Seed          int64
	Mode          string
}

// Observation records one evaluated candidate.
type Observation struct {
	Iteration int
	Position  protocol.Position
	Features  FeatureSet
	Score     float64
	Improved  bool
	Failed    bool
}

// Result summarises a finished run.
type Result struct {
	Start      protocol.Position
	Best       protocol.Position
	BestScore  float64
	Iterations int
	Stopped    bool
	Trace      []Observation
}

// Engine runs the search. A single Run may be active at a time; Stop is
// safe to call concurrently, including before Run begins, and takes effect
// at the next iteration boundary, never mid-measurement.
type Engine struct {
	cfg       Config
	objective Objective
	ranker    *RankAggregate
	monitor   *safety.Monitor
	settings  func() settings.Settings
	evaluate  Evaluator
	log       *logging.Logger
	met       *metrics.Metrics

	rng  *rand.Rand
	stop atomic.Bool
}

// NewEngine builds an Engine. settingsFn is re-read at every iteration
// boundary so setting updates applied mid-run take effect on the next
// candidate. met may be nil.
func NewEngine(cfg Config, objective Objective, monitor *safety.Monitor, settingsFn func() settings.Settings, evaluate Evaluator, log *logging.Logger, met *metrics.Metrics) *Engine {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Samples < 1 {
		cfg.Samples = 1
	}
	e := &Engine{
		cfg:       cfg,
		objective: objective,
		monitor:   monitor,
		settings:  settingsFn,
		evaluate:  evaluate,
		log:       log,
		met:       met,
		rng:       rand.New(rand.NewSource(seed)),
	}
	if cfg.Mode == ModeRank {
		e.ranker = NewRankAggregate()
	}
	return e
}

// Stop requests the run to halt at the next iteration boundary. A Stop
// that lands before Run starts is honored by the first boundary check.
func (e *Engine) Stop() {
	e.stop.Store(true)
}

// Run executes the search until convergence, budget exhaustion, a stop
// request, or a fatal error. On a fatal error the partial Result is
// returned alongside it so the caller can still report the best found.
//
// Every iteration costs budget, including the ones that fail to produce a
// measurement; an agent that never answers exhausts MaxIterations and the
// run ends without a fault.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	snap := e.settings()
	center := snap.Clamp(snap.Start)
	res := Result{Start: center, Best: center}

	sigX, sigY := e.cfg.SigX, e.cfg.SigY
	noImprove := 0
	haveBaseline := false

	for iter := 1; iter <= e.cfg.MaxIterations; iter++ {
		if e.stop.Load() || ctx.Err() != nil {
			res.Stopped = true
			e.log.Info("search stopped", map[string]interface{}{"iteration": iter - 1})
			return res, nil
		}

		snap = e.settings()
		sigX = clampf(sigX, snap.SigXMin, e.cfg.SigXMax)
		sigY = clampf(sigY, snap.SigYMin, e.cfg.SigYMax)
		res.Iterations = iter

		if !haveBaseline {
			ob := Observation{Iteration: iter, Position: center}
			feats, score, err := e.measure(ctx, center)
			switch {
			case err == nil:
			case errors.IsTimeout(err):
				// A missing baseline burns budget but is not a fault.
				ob.Failed = true
				res.Trace = append(res.Trace, ob)
				e.log.Warn("baseline measurement failed", map[string]interface{}{
					"iteration": iter, "x": center.X, "y": center.Y,
				})
				continue
			default:
				return res, err
			}
			if err := e.monitor.Check(feats); err != nil {
				return res, err
			}
			ob.Features, ob.Score, ob.Improved = feats, score, true
			res.BestScore = score
			res.Trace = append(res.Trace, ob)
			haveBaseline = true
			if e.met != nil {
				e.met.BestScore.Set(score)
			}
			e.log.Info("search started", map[string]interface{}{
				"x": center.X, "y": center.Y, "score": score,
			})
			continue
		}

		obs := make([]Observation, 0, 3)
		var measured []int
		for _, v := range e.triangle(center, sigX, sigY, snap) {
			ob := Observation{Iteration: iter, Position: v}
			feats, score, err := e.measure(ctx, v)
			switch {
			case err == nil:
				ob.Features, ob.Score = feats, score
				if serr := e.monitor.Check(feats); serr != nil {
					res.Trace = append(res.Trace, obs...)
					res.Trace = append(res.Trace, ob)
					e.log.Error("safety threshold breached, aborting run", map[string]interface{}{
						"iteration": iter, "x": v.X, "y": v.Y, "error": serr.Error(),
					})
					return res, serr
				}
				measured = append(measured, len(obs))
			case errors.IsTimeout(err):
				ob.Failed = true
			default:
				res.Trace = append(res.Trace, obs...)
				return res, err
			}
			obs = append(obs, ob)
		}

		if e.met != nil {
			e.met.Iterations.Inc()
		}

		if len(measured) == 0 {
			// Every vertex timed out: contract the step and try nearby.
			noImprove++
			sigX = clampf(sigX*e.cfg.DownScale, snap.SigXMin, e.cfg.SigXMax)
			sigY = clampf(sigY*e.cfg.DownScale, snap.SigYMin, e.cfg.SigYMax)
			res.Trace = append(res.Trace, obs...)
			e.log.Warn("iteration failed, contracting step", map[string]interface{}{
				"iteration": iter, "x": center.X, "y": center.Y,
			})
		} else {
			pick := e.pick(obs, measured)
			if obs[pick].Score < res.BestScore-e.cfg.Epsilon {
				obs[pick].Improved = true
				res.Best = obs[pick].Position
				res.BestScore = obs[pick].Score
				center = obs[pick].Position
				noImprove = 0
				sigX = clampf(sigX*e.cfg.UpScale, snap.SigXMin, e.cfg.SigXMax)
				sigY = clampf(sigY*e.cfg.UpScale, snap.SigYMin, e.cfg.SigYMax)
				if e.met != nil {
					e.met.Improvements.Inc()
					e.met.BestScore.Set(obs[pick].Score)
				}
				e.log.Info("improved", map[string]interface{}{
					"iteration": iter, "x": center.X, "y": center.Y, "score": obs[pick].Score,
				})
			} else {
				noImprove++
				sigX = clampf(sigX*e.cfg.DownScale, snap.SigXMin, e.cfg.SigXMax)
				sigY = clampf(sigY*e.cfg.DownScale, snap.SigYMin, e.cfg.SigYMax)
				e.log.Debug("no improvement", map[string]interface{}{
					"iteration": iter, "score": obs[pick].Score, "best": res.BestScore,
				})
			}
			res.Trace = append(res.Trace, obs...)
		}

		if sigX <= snap.SigXMin && sigY <= snap.SigYMin && noImprove >= e.cfg.Patience {
			e.log.Info("search converged", map[string]interface{}{
				"iterations": iter,
				"best_x":     res.Best.X,
				"best_y":     res.Best.Y,
				"best_score": res.BestScore,
			})
			return res, nil
		}
	}

	e.log.Info("iteration budget exhausted", map[string]interface{}{
		"iterations": res.Iterations, "best_score": res.BestScore,
	})
	return res, nil
}

// triangle returns an equilateral vertex set around center, scaled per
// axis by the current step sizes and rotated by a random phase so the
// probed directions cover the plane over successive iterations.
func (e *Engine) triangle(center protocol.Position, sigX, sigY float64, snap settings.Settings) [3]protocol.Position {
	theta := e.rng.Float64() * 2 * math.Pi
	var out [3]protocol.Position
	for k := range out {
		phi := theta + float64(k)*2*math.Pi/3
		out[k] = snap.Clamp(protocol.Position{
			X: center.X + sigX*math.Cos(phi),
			Y: center.Y + sigY*math.Sin(phi),
		})
	}
	return out
}

// pick selects the iteration's proposal among the successfully measured
// vertices: lowest raw score, or lowest aggregate rank in rank mode. Rank
// mode needs at least two candidates to compare; with fewer it degrades
// to the raw score.
func (e *Engine) pick(obs []Observation, measured []int) int {
	if e.ranker != nil && len(measured) >= 2 {
		batch := make([]FeatureSet, len(measured))
		for i, idx := range measured {
			batch[i] = obs[idx].Features
		}
		if ranks, err := e.ranker.ScoreBatch(batch); err == nil {
			best := 0
			for i := 1; i < len(ranks); i++ {
				if ranks[i] < ranks[best] ||
					(ranks[i] == ranks[best] && obs[measured[i]].Score < obs[measured[best]].Score) {
					best = i
				}
			}
			return measured[best]
		}
	}

	best := measured[0]
	for _, idx := range measured[1:] {
		if obs[idx].Score < obs[best].Score {
			best = idx
		}
	}
	return best
}

// measure evaluates target, repeating the measurement when Samples > 1 and
// taking the median score to damp measurement noise.
func (e *Engine) measure(ctx context.Context, target protocol.Position) (FeatureSet, float64, error) {
	if e.cfg.Samples == 1 {
		feats, err := e.evaluate(ctx, target)
		if err != nil {
			return nil, 0, err
		}
		score, err := e.objective.Score(feats)
		if err != nil {
			return nil, 0, err
		}
		return feats, score, nil
	}

	type sample struct {
		feats FeatureSet
		score float64
	}
	samples := make([]sample, 0, e.cfg.Samples)
	scores := make([]float64, 0, e.cfg.Samples)
	for i := 0; i < e.cfg.Samples; i++ {
		feats, err := e.evaluate(ctx, target)
		if err != nil {
			return nil, 0, err
		}
		score, err := e.objective.Score(feats)
		if err != nil {
			return nil, 0, err
		}
		samples = append(samples, sample{feats: feats, score: score})
		scores = append(scores, score)
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	// Report the features of the sample closest to the median score.
	best := 0
	for i, s := range samples {
		if absf(s.score-median) < absf(samples[best].score-median) {
			best = i
		}
	}
	return samples[best].feats, median, nil
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
