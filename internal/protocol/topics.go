package protocol

// Topics builds the subject names for one controller/agent pair. The pair
// identifier scopes every subject so multiple pairs can share a broker.
type Topics struct {
	id string
}

// NewTopics returns the subject set for the given pair identifier.
func NewTopics(pairID string) Topics {
	return Topics{id: pairID}
}

// PairID returns the pair identifier the subjects are scoped by.
func (t Topics) PairID() string { return t.id }

// CtrlStart is the peer→controller run trigger.
func (t Topics) CtrlStart() string { return "v1." + t.id + ".ctrl.start" }

// CtrlStop is the peer→controller graceful-halt request.
func (t Topics) CtrlStop() string { return "v1." + t.id + ".ctrl.stop" }

// CtrlEnd carries the controller→peer terminal run result.
func (t Topics) CtrlEnd() string { return "v1." + t.id + ".ctrl.end" }

// CmdPoint carries controller→agent position commands.
func (t Topics) CmdPoint() string { return "v1." + t.id + ".cmd.point" }

// TelemetryResult carries agent→controller measurement results.
func (t Topics) TelemetryResult() string { return "v1." + t.id + ".telemetry.result" }

// ConfigSetting carries the retained settings document.
func (t Topics) ConfigSetting() string { return "v1." + t.id + ".config.setting" }

// Status carries controller liveness and state broadcasts.
func (t Topics) Status() string { return "v1." + t.id + ".status" }
