package protocol

import (
	"encoding/json"
	"time"

	"github.com/copyleftdev/ALIGN/internal/errors"
)

// wire is the JSON superset of every envelope. Decoding ignores unknown
// fields so newer peers can add payload fields without breaking us.
type wire struct {
	Type   Type   `json:"type,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
	Sender string `json:"sender,omitempty"`
	Note   string `json:"message,omitempty"`

	ReqID           string    `json:"req_id,omitempty"`
	Point           *Position `json:"point,omitempty"`
	Position        *Position `json:"position,omitempty"`
	Features        []string  `json:"features,omitempty"`
	Values          []float64 `json:"values,omitempty"`
	MeasurementTime float64   `json:"measurement_time,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`

	StartX  *float64 `json:"start_x,omitempty"`
	StartY  *float64 `json:"start_y,omitempty"`
	XMin    *float64 `json:"x_min,omitempty"`
	XMax    *float64 `json:"x_max,omitempty"`
	YMin    *float64 `json:"y_min,omitempty"`
	YMax    *float64 `json:"y_max,omitempty"`
	SigXMin *float64 `json:"sig_x_min,omitempty"`
	SigYMin *float64 `json:"sig_y_min,omitempty"`

	Online *bool  `json:"online,omitempty"`
	State  string `json:"state,omitempty"`

	OptimizationResult *OptimizationResult `json:"optimization_result,omitempty"`
}

func (w *wire) time() time.Time {
	if w.Ts == 0 {
		return time.Time{}
	}
	return time.Unix(w.Ts, 0).UTC()
}

// Decode parses and validates a typed envelope received on subject.
// An unrecognized type tag or a missing required payload field yields a
// MalformedMessageError; unknown extra fields are tolerated.
func Decode(subject string, data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &errors.MalformedMessageError{Subject: subject, Reason: "invalid JSON", Err: err}
	}

	switch w.Type {
	case TypeStart:
		return Start{Sender: w.Sender, At: w.time(), Note: w.Note}, nil

	case TypeStop:
		return Stop{Sender: w.Sender, At: w.time(), Note: w.Note}, nil

	case TypeMovePoint:
		if w.ReqID == "" {
			return nil, &errors.MalformedMessageError{Subject: subject, Reason: "move_point without req_id"}
		}
		if w.Point == nil {
			return nil, &errors.MalformedMessageError{Subject: subject, Reason: "move_point without point"}
		}
		return MovePoint{ReqID: w.ReqID, Target: *w.Point, Sender: w.Sender, At: w.time()}, nil

	case TypeResultFeatureSet:
		if w.ReqID == "" {
			return nil, &errors.MalformedMessageError{Subject: subject, Reason: "result without req_id"}
		}
		if len(w.Features) != len(w.Values) {
			return nil, &errors.MalformedMessageError{
				Subject: subject,
				Reason:  "feature name and value counts differ",
			}
		}
		return ResultFeatureSet{
			ReqID:           w.ReqID,
			Names:           w.Features,
			Values:          w.Values,
			Position:        w.Position,
			MeasurementTime: w.MeasurementTime,
			Sender:          w.Sender,
			At:              w.time(),
		}, nil

	case TypeError:
		if w.ReqID == "" {
			return nil, &errors.MalformedMessageError{Subject: subject, Reason: "error without req_id"}
		}
		return AgentError{ReqID: w.ReqID, Reason: w.ErrorMessage, Sender: w.Sender, At: w.time()}, nil

	case TypeSetting:
		return decodeSetting(&w), nil

	case TypeStatus:
		online := false
		if w.Online != nil {
			online = *w.Online
		}
		return Status{
			Online:       online,
			State:        w.State,
			Note:         w.Note,
			ErrorMessage: w.ErrorMessage,
			Sender:       w.Sender,
			At:           w.time(),
		}, nil

	case TypeEnd:
		if w.OptimizationResult == nil {
			return nil, &errors.MalformedMessageError{Subject: subject, Reason: "end without optimization_result"}
		}
		return End{Result: *w.OptimizationResult, Sender: w.Sender, At: w.time()}, nil

	case "":
		return nil, &errors.MalformedMessageError{Subject: subject, Reason: "missing type tag"}

	default:
		return nil, &errors.MalformedMessageError{Subject: subject, Reason: "unrecognized type " + string(w.Type)}
	}
}

// DecodeSetting parses a settings document. The agent publishes these as a
// retained configuration payload without a type tag, so the tag is optional
// here; any other tag is malformed.
func DecodeSetting(subject string, data []byte) (SettingUpdate, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return SettingUpdate{}, &errors.MalformedMessageError{Subject: subject, Reason: "invalid JSON", Err: err}
	}
	if w.Type != "" && w.Type != TypeSetting {
		return SettingUpdate{}, &errors.MalformedMessageError{
			Subject: subject,
			Reason:  "unexpected type " + string(w.Type) + " on settings subject",
		}
	}
	return decodeSetting(&w), nil
}

func decodeSetting(w *wire) SettingUpdate {
	return SettingUpdate{
		StartX:  w.StartX,
		StartY:  w.StartY,
		XMin:    w.XMin,
		XMax:    w.XMax,
		YMin:    w.YMin,
		YMax:    w.YMax,
		SigXMin: w.SigXMin,
		SigYMin: w.SigYMin,
		Sender:  w.Sender,
		At:      w.time(),
	}
}

// Encode serializes msg, stamping the current time when the message carries
// no timestamp. Messages missing required fields fail with
// MalformedMessageError rather than going out incomplete.
func Encode(msg Message) ([]byte, error) {
	w := wire{Type: msg.Kind(), Ts: time.Now().Unix()}

	switch m := msg.(type) {
	case Start:
		w.Sender, w.Note = m.Sender, m.Note
		setTime(&w, m.At)

	case Stop:
		w.Sender, w.Note = m.Sender, m.Note
		setTime(&w, m.At)

	case MovePoint:
		if m.ReqID == "" {
			return nil, &errors.MalformedMessageError{Reason: "move_point without req_id"}
		}
		target := m.Target
		w.ReqID, w.Point, w.Sender = m.ReqID, &target, m.Sender
		setTime(&w, m.At)

	case ResultFeatureSet:
		if m.ReqID == "" {
			return nil, &errors.MalformedMessageError{Reason: "result without req_id"}
		}
		if len(m.Names) != len(m.Values) {
			return nil, &errors.MalformedMessageError{Reason: "feature name and value counts differ"}
		}
		w.ReqID, w.Features, w.Values = m.ReqID, m.Names, m.Values
		w.Position, w.MeasurementTime, w.Sender = m.Position, m.MeasurementTime, m.Sender
		setTime(&w, m.At)

	case AgentError:
		if m.ReqID == "" {
			return nil, &errors.MalformedMessageError{Reason: "error without req_id"}
		}
		w.ReqID, w.ErrorMessage, w.Sender = m.ReqID, m.Reason, m.Sender
		setTime(&w, m.At)

	case SettingUpdate:
		w.StartX, w.StartY = m.StartX, m.StartY
		w.XMin, w.XMax, w.YMin, w.YMax = m.XMin, m.XMax, m.YMin, m.YMax
		w.SigXMin, w.SigYMin = m.SigXMin, m.SigYMin
		w.Sender = m.Sender
		setTime(&w, m.At)

	case Status:
		online := m.Online
		w.Online, w.State, w.Note, w.ErrorMessage = &online, m.State, m.Note, m.ErrorMessage
		w.Sender = m.Sender
		setTime(&w, m.At)

	case End:
		result := m.Result
		w.OptimizationResult, w.Sender = &result, m.Sender
		setTime(&w, m.At)

	default:
		return nil, &errors.MalformedMessageError{Reason: "unrecognized message type " + string(msg.Kind())}
	}

	return json.Marshal(&w)
}

func setTime(w *wire, at time.Time) {
	if !at.IsZero() {
		w.Ts = at.Unix()
	}
}
