// Package metrics defines the Prometheus collectors for the controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the controller exports.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	DecodeFailures   prometheus.Counter

	RequestsSent     prometheus.Counter
	RequestRetries   prometheus.Counter
	RequestTimeouts  prometheus.Counter
	DuplicateResults prometheus.Counter
	FeaturesFilled   prometheus.Counter

	Iterations   prometheus.Counter
	Improvements prometheus.Counter
	BestScore    prometheus.Gauge

	SettingsApplied  prometheus.Counter
	SettingsRejected prometheus.Counter

	StateTransitions *prometheus.CounterVec
}

// New registers all collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "align_messages_received_total",
			Help: "Messages received from the bus, by message type.",
		}, []string{"type"}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_decode_failures_total",
			Help: "Inbound payloads dropped as malformed.",
		}),
		RequestsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_requests_sent_total",
			Help: "Move-point requests published, including retries.",
		}),
		RequestRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_request_retries_total",
			Help: "Move-point requests re-published after a timeout window.",
		}),
		RequestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_request_timeouts_total",
			Help: "Move-point requests abandoned after exhausting attempts.",
		}),
		DuplicateResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_duplicate_results_total",
			Help: "Result messages whose request id was unknown or already resolved.",
		}),
		FeaturesFilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_features_filled_total",
			Help: "Expected features absent from a result and filled with the default value.",
		}),
		Iterations: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_search_iterations_total",
			Help: "Completed search iterations.",
		}),
		Improvements: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_search_improvements_total",
			Help: "Iterations that produced a new best score.",
		}),
		BestScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "align_search_best_score",
			Help: "Best objective score observed in the current run.",
		}),
		SettingsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_settings_applied_total",
			Help: "Setting updates validated and applied.",
		}),
		SettingsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "align_settings_rejected_total",
			Help: "Setting updates rejected by validation.",
		}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "align_state_transitions_total",
			Help: "Run-state transitions, by destination state.",
		}, []string{"state"}),
	}
}
