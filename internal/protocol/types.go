// Package protocol defines the typed message envelopes exchanged between
// the optimizing controller ("A") and the measurement agent ("B"), the
// codec that validates them, and the subject names they travel on.
package protocol

import "time"

// Type tags the message variant carried by an envelope.
type Type string

// Enumerated message types.
const (
	// TypeStart drives the controller from idle into a run (peer→controller).
	TypeStart Type = "start"
	// TypeStop requests a graceful halt of the active run (peer→controller).
	TypeStop Type = "stop"
	// TypeEnd reports the terminal outcome of a run (controller→peer).
	TypeEnd Type = "end"
	// TypeMovePoint commands the agent to a position (controller→agent).
	TypeMovePoint Type = "move_point"
	// TypeResultFeatureSet carries measured features (agent→controller).
	TypeResultFeatureSet Type = "result_feature_set"
	// TypeSetting replaces the controller's settings (peer→controller).
	TypeSetting Type = "setting"
	// TypeStatus broadcasts controller liveness and run state.
	TypeStatus Type = "status"
	// TypeError reports a failed measurement for a request (agent→controller).
	TypeError Type = "error"
)

// SenderController identifies the controller in envelope sender fields.
const SenderController = "A"

// SenderAgent identifies the measurement agent in envelope sender fields.
const SenderAgent = "B"

// Position is a 2D physical position proposed for evaluation.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Message is a decoded protocol message.
type Message interface {
	// Kind returns the message's type tag.
	Kind() Type
}

// Start drives the run state machine into running.
type Start struct {
	Sender string
	At     time.Time
	Note   string
}

// Kind implements Message.
func (Start) Kind() Type { return TypeStart }

// Stop requests a graceful halt at the next safe checkpoint.
type Stop struct {
	Sender string
	At     time.Time
	Note   string
}

// Kind implements Message.
func (Stop) Kind() Type { return TypeStop }

// MovePoint commands the agent to evaluate a position.
type MovePoint struct {
	ReqID  string
	Target Position
	Sender string
	At     time.Time
}

// Kind implements Message.
func (MovePoint) Kind() Type { return TypeMovePoint }

// ResultFeatureSet carries the agent's measured features for one request.
// Names and Values are parallel slices.
type ResultFeatureSet struct {
	ReqID           string
	Names           []string
	Values          []float64
	Position        *Position
	MeasurementTime float64
	Sender          string
	At              time.Time
}

// Kind implements Message.
func (ResultFeatureSet) Kind() Type { return TypeResultFeatureSet }

// FeatureMap returns the name→value mapping of the measured features.
func (r ResultFeatureSet) FeatureMap() map[string]float64 {
	m := make(map[string]float64, len(r.Names))
	for i, name := range r.Names {
		m[name] = r.Values[i]
	}
	return m
}

// AgentError reports that the agent failed to measure a requested position.
type AgentError struct {
	ReqID  string
	Reason string
	Sender string
	At     time.Time
}

// Kind implements Message.
func (AgentError) Kind() Type { return TypeError }

// SettingUpdate is a partial replacement of the controller settings.
// Nil fields are absent from the wire payload and keep their prior value.
type SettingUpdate struct {
	StartX  *float64
	StartY  *float64
	XMin    *float64
	XMax    *float64
	YMin    *float64
	YMax    *float64
	SigXMin *float64
	SigYMin *float64
	Sender  string
	At      time.Time
}

// Kind implements Message.
func (SettingUpdate) Kind() Type { return TypeSetting }

// Status broadcasts the controller's liveness and run state.
type Status struct {
	Online       bool
	State        string
	Note         string
	ErrorMessage string
	Sender       string
	At           time.Time
}

// Kind implements Message.
func (Status) Kind() Type { return TypeStatus }

// OptimizationResult is the terminal payload of an End message.
type OptimizationResult struct {
	StartPosition  Position           `json:"start_position"`
	BestPosition   Position           `json:"best_position"`
	BestScore      float64            `json:"best_score"`
	Iterations     int                `json:"total_iterations"`
	Stopped        bool               `json:"stopped,omitempty"`
	BeforeFeatures map[string]float64 `json:"before_features,omitempty"`
	AfterFeatures  map[string]float64 `json:"after_features,omitempty"`
}

// End reports the terminal outcome of a run to the peer.
type End struct {
	Result OptimizationResult
	Sender string
	At     time.Time
}

// Kind implements Message.
func (End) Kind() Type { return TypeEnd }
