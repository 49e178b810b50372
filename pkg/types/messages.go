package types

// QueueStatus is the lifecycle state shared by the scan worker and the work
// items it processes.
type QueueStatus string

const (
	StatusIdle      QueueStatus = "IDLE"
	StatusRunning   QueueStatus = "RUNNING"
	StatusPaused    QueueStatus = "PAUSED"
	StatusStopped   QueueStatus = "STOPPED"
	StatusCompleted QueueStatus = "COMPLETED"
)

// Terminal reports whether s ends a work item's lifecycle.
func (s QueueStatus) Terminal() bool {
	return s == StatusStopped || s == StatusCompleted
}

// ScanStatus is the status published for an open or finished scan.
type ScanStatus string

const (
	ScanOpen    ScanStatus = "open"
	ScanPaused  ScanStatus = "paused"
	ScanClosed  ScanStatus = "closed"
	ScanAborted ScanStatus = "aborted"
	ScanHalted  ScanStatus = "halted"
)

// Terminal reports whether the status closes the scan for good.
func (s ScanStatus) Terminal() bool {
	return s == ScanClosed || s == ScanAborted || s == ScanHalted
}

// Device status values reported on device.status.
const (
	DeviceIdle = 0
	DeviceBusy = 1
)

// DeviceRequestStatus is the device server's reply to a set/rpc request.
type DeviceRequestStatus struct {
	Device   string   `json:"device"`
	Success  bool     `json:"success"`
	Metadata Metadata `json:"metadata"`
}

// DeviceStatusMessage reports whether a device is idle or busy.
type DeviceStatusMessage struct {
	Device   string   `json:"device"`
	Status   int      `json:"status"`
	Metadata Metadata `json:"metadata"`
}

// DeviceStagedMessage reports a device's staged flag.
type DeviceStagedMessage struct {
	Device   string   `json:"device"`
	Staged   bool     `json:"staged"`
	Metadata Metadata `json:"metadata"`
}

// Signal is one named reading of a device.
type Signal struct {
	Value     any     `json:"value"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// DeviceMessage carries device readings, both for readback keys and read echoes.
type DeviceMessage struct {
	Signals  map[string]Signal `json:"signals"`
	Metadata Metadata          `json:"metadata"`
}

// ScanStatusMessage is the record published on every scan status transition.
type ScanStatusMessage struct {
	ScanID    string         `json:"scan_id"`
	Status    ScanStatus     `json:"status"`
	Info      map[string]any `json:"info"`
	Timestamp float64        `json:"timestamp"`
}

// AlarmSeverity ranks alarms; MAJOR alarms abort the active queue.
type AlarmSeverity int

const (
	AlarmWarning AlarmSeverity = iota
	AlarmMinor
	AlarmMajor
)

func (s AlarmSeverity) String() string {
	switch s {
	case AlarmWarning:
		return "WARNING"
	case AlarmMinor:
		return "MINOR"
	case AlarmMajor:
		return "MAJOR"
	default:
		return "UNKNOWN"
	}
}

// AlarmMessage is raised by the scan worker on device failures and defects.
type AlarmMessage struct {
	Severity  AlarmSeverity  `json:"severity"`
	AlarmType string         `json:"alarm_type"`
	Source    map[string]any `json:"source,omitempty"`
	Msg       string         `json:"msg"`
	Metadata  Metadata       `json:"metadata"`
}
