package types

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Action is the closed set of device instruction kinds the scan worker knows.
type Action string

const (
	ActionOpenScan           Action = "open_scan"
	ActionOpenScanDef        Action = "open_scan_def"
	ActionCloseScan          Action = "close_scan"
	ActionCloseScanDef       Action = "close_scan_def"
	ActionWait               Action = "wait"
	ActionTrigger            Action = "trigger"
	ActionSet                Action = "set"
	ActionRead               Action = "read"
	ActionKickoff            Action = "kickoff"
	ActionComplete           Action = "complete"
	ActionBaselineReading    Action = "baseline_reading"
	ActionRPC                Action = "rpc"
	ActionStage              Action = "stage"
	ActionUnstage            Action = "unstage"
	ActionPublishDataAsRead  Action = "publish_data_as_read"
	ActionScanReportInstruct Action = "scan_report_instruction"
)

var knownActions = map[Action]struct{}{
	ActionOpenScan: {}, ActionOpenScanDef: {}, ActionCloseScan: {}, ActionCloseScanDef: {},
	ActionWait: {}, ActionTrigger: {}, ActionSet: {}, ActionRead: {}, ActionKickoff: {},
	ActionComplete: {}, ActionBaselineReading: {}, ActionRPC: {}, ActionStage: {},
	ActionUnstage: {}, ActionPublishDataAsRead: {}, ActionScanReportInstruct: {},
}

// Known reports whether a is one of the declared actions.
func (a Action) Known() bool {
	_, ok := knownActions[a]
	return ok
}

// WaitType selects the barrier strategy of a wait instruction.
type WaitType string

const (
	WaitMove    WaitType = "move"
	WaitRead    WaitType = "read"
	WaitTrigger WaitType = "trigger"
)

// Device groups usable in the "group" parameter when an instruction names no devices.
const (
	GroupPrimary    = "primary"
	GroupMonitored  = "monitored"
	GroupScanMotor  = "scan_motor"
	GroupAllEnabled = "all-enabled"
	GroupEnabled    = "enabled"
)

// Metadata carries the correlation tuple stamped on every instruction and echoed
// back by the device server in its status replies.
type Metadata struct {
	ScanID    string `json:"scan_id,omitempty"`
	RID       string `json:"RID,omitempty"`
	DIID      int    `json:"DIID"`
	QueueID   string `json:"queue_id,omitempty"`
	PointID   *int   `json:"point_id,omitempty"`
	ScanDefID string `json:"scan_def_id,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
	Stream    string `json:"stream,omitempty"`
}

// Fields flattens the metadata for merging into scan info records.
func (m Metadata) Fields() map[string]any {
	out := map[string]any{
		"scan_id":  m.ScanID,
		"RID":      m.RID,
		"DIID":     m.DIID,
		"queue_id": m.QueueID,
	}
	if m.PointID != nil {
		out["point_id"] = *m.PointID
	}
	if m.ScanDefID != "" {
		out["scan_def_id"] = m.ScanDefID
	}
	if m.Stream != "" {
		out["stream"] = m.Stream
	}
	return out
}

// IntPtr is a small helper for building metadata literals.
func IntPtr(n int) *int { return &n }

// DeviceInstruction is one abstract step of a work item. It is treated as
// immutable once created; forwarding code builds new values instead of mutating.
type DeviceInstruction struct {
	Action    Action         `json:"action"`
	Device    []string       `json:"device,omitempty"`
	Parameter map[string]any `json:"parameter,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// String renders a compact, log-friendly form of the instruction.
func (d DeviceInstruction) String() string {
	return fmt.Sprintf("%s%v DIID=%d scan=%s", d.Action, d.Device, d.Metadata.DIID, d.Metadata.ScanID)
}

// Param returns the raw parameter value for key.
func (d DeviceInstruction) Param(key string) (any, bool) {
	if d.Parameter == nil {
		return nil, false
	}
	v, ok := d.Parameter[key]
	return v, ok && v != nil
}

// ParamString returns a string parameter or "".
func (d DeviceInstruction) ParamString(key string) string {
	v, ok := d.Param(key)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ParamFloat returns a numeric parameter as float64.
func (d DeviceInstruction) ParamFloat(key string) (float64, bool) {
	v, ok := d.Param(key)
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

// ParamInt returns a numeric parameter truncated to int.
func (d DeviceInstruction) ParamInt(key string) (int, bool) {
	f, ok := d.ParamFloat(key)
	return int(f), ok
}

// ParamStrings returns a list-of-strings parameter. A bare string is treated
// as a single-element list.
func (d DeviceInstruction) ParamStrings(key string) []string {
	v, ok := d.Param(key)
	if !ok {
		return nil
	}
	return toStrings(v)
}

// ParamMap returns a map parameter.
func (d DeviceInstruction) ParamMap(key string) map[string]any {
	v, ok := d.Param(key)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case string:
		return []string{s}
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// ReadoutPriority overrides the registry's default readout class per device for
// the duration of one scan. Keys are readout classes ("monitored", "baseline",
// "async", "on_request", "continuous").
type ReadoutPriority map[string][]string

// ParseReadoutPriority converts a decoded JSON parameter into a ReadoutPriority.
func ParseReadoutPriority(v any) ReadoutPriority {
	out := ReadoutPriority{}
	switch m := v.(type) {
	case ReadoutPriority:
		for k, devs := range m {
			out[k] = append([]string(nil), devs...)
		}
	case map[string][]string:
		for k, devs := range m {
			out[k] = append([]string(nil), devs...)
		}
	case map[string]any:
		for k, devs := range m {
			out[k] = toStrings(devs)
		}
	}
	return out
}
