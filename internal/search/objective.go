package search

import (
	"math"
	"sort"
	"strings"

	"github.com/copyleftdev/ALIGN/internal/errors"
)

// FeatureSet is one measured feature vector keyed by feature name,
// e.g. "Time_rms_x".
type FeatureSet map[string]float64

// Objective scores a feature set. Lower is better.
type Objective interface {
	Score(features FeatureSet) (float64, error)
}

// CVIWeights weight the composite vibration index components.
type CVIWeights struct {
	TimeRMS   float64
	TimeCrest float64
	FreqRMS   float64
	FreqSkew  float64
	FreqKurt  float64
}

// DefaultCVIWeights emphasise broadband time-domain energy, with spectral
// shape terms as tie-breakers.
var DefaultCVIWeights = CVIWeights{
	TimeRMS:   1.0,
	TimeCrest: 0.5,
	FreqRMS:   0.6,
	FreqSkew:  0.2,
	FreqKurt:  0.3,
}

// BaselineRefs normalise raw component magnitudes to comparable scales.
type BaselineRefs struct {
	TimeRMS   float64
	TimeCrest float64
	FreqRMS   float64
	FreqSkew  float64
	FreqKurt  float64
}

// DefaultBaselineRefs reflect typical measured magnitudes per component.
var DefaultBaselineRefs = BaselineRefs{
	TimeRMS:   2.0,
	TimeCrest: 5.0,
	FreqRMS:   0.02,
	FreqSkew:  10.0,
	FreqKurt:  1000.0,
}

// winsorHi caps skewness and kurtosis outliers before normalisation.
const winsorHi = 1e2

// WeightedCVI is the continuous composite vibration index: per component,
// take the worst axis, normalise by its baseline reference, compress with
// log1p, and sum under the weights.
type WeightedCVI struct {
	Weights CVIWeights
	Refs    BaselineRefs
}

// NewWeightedCVI returns a WeightedCVI with the default weights and refs.
func NewWeightedCVI() *WeightedCVI {
	return &WeightedCVI{Weights: DefaultCVIWeights, Refs: DefaultBaselineRefs}
}

type component struct {
	prefix string
	weight float64
	ref    float64
	winsor bool
}

func (o *WeightedCVI) components() []component {
	return []component{
		{prefix: "Time_rms_", weight: o.Weights.TimeRMS, ref: o.Refs.TimeRMS},
		{prefix: "Time_crestfactor_", weight: o.Weights.TimeCrest, ref: o.Refs.TimeCrest},
		{prefix: "Powerspectrum_rms_", weight: o.Weights.FreqRMS, ref: o.Refs.FreqRMS},
		{prefix: "Powerspectrum_skewness_", weight: o.Weights.FreqSkew, ref: o.Refs.FreqSkew, winsor: true},
		{prefix: "Powerspectrum_kurtosis_", weight: o.Weights.FreqKurt, ref: o.Refs.FreqKurt, winsor: true},
	}
}

// Score computes the index for features. It fails when no component prefix
// matches any feature key, which indicates a vocabulary mismatch with the
// measurement agent rather than a bad position.
func (o *WeightedCVI) Score(features FeatureSet) (float64, error) {
	matched := false
	total := 0.0
	for _, c := range o.components() {
		v, ok := maxAxis(features, c.prefix)
		if !ok {
			continue
		}
		matched = true
		if c.winsor {
			v = math.Min(math.Abs(v), winsorHi)
		} else {
			v = math.Abs(v)
		}
		total += c.weight * math.Log1p(v/c.ref)
	}
	if !matched {
		return 0, errors.New("feature set matches no objective component")
	}
	return total, nil
}

// maxAxis returns the largest magnitude among the per-axis variants of a
// component, e.g. Time_rms_x / Time_rms_y / Time_rms_z.
func maxAxis(features FeatureSet, prefix string) (float64, bool) {
	best := 0.0
	found := false
	for name, v := range features {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if a := math.Abs(v); !found || a > best {
			best = a
			found = true
		}
	}
	return best, found
}

// RankAggregate scores a batch of candidates by their per-component ranks
// instead of raw magnitudes, which makes the comparison robust to one
// component's scale dominating. It only applies to multi-candidate batches.
type RankAggregate struct {
	Weights CVIWeights
	Refs    BaselineRefs
}

// NewRankAggregate returns a RankAggregate with the default weights.
func NewRankAggregate() *RankAggregate {
	return &RankAggregate{Weights: DefaultCVIWeights, Refs: DefaultBaselineRefs}
}

// ScoreBatch returns one aggregate rank score per candidate. Lower is
// better. Ties share the mean of the tied rank positions.
func (o *RankAggregate) ScoreBatch(batch []FeatureSet) ([]float64, error) {
	if len(batch) < 2 {
		return nil, errors.New("rank aggregation needs at least two candidates")
	}
	cvi := &WeightedCVI{Weights: o.Weights, Refs: o.Refs}
	scores := make([]float64, len(batch))
	for _, c := range cvi.components() {
		vals := make([]float64, len(batch))
		matched := false
		for i, fs := range batch {
			v, ok := maxAxis(fs, c.prefix)
			if ok {
				matched = true
			}
			if c.winsor {
				v = math.Min(v, winsorHi)
			}
			vals[i] = v
		}
		if !matched {
			continue
		}
		for i, r := range tiedRanks(vals) {
			scores[i] += c.weight * r
		}
	}
	return scores, nil
}

// tiedRanks assigns 1-based ranks with ties sharing their mean rank.
func tiedRanks(vals []float64) []float64 {
	idx := make([]int, len(vals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })

	ranks := make([]float64, len(vals))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && vals[idx[j+1]] == vals[idx[i]] {
			j++
		}
		// mean of the tied 1-based positions i+1..j+1
		mean := float64(i+j+2) / 2
		for k := i; k <= j; k++ {
			ranks[idx[k]] = mean
		}
		i = j + 1
	}
	return ranks
}
