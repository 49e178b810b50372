package types

// ScanRequest submits a pre-assembled scan to the queue.
type ScanRequest struct {
	// Scan type: "step" (points counted from read instructions) or "fly".
	// example: step
	ScanType string `json:"scan_type,omitempty" example:"step"`
	// Ordered device instructions; correlation metadata is stamped by the queue.
	Instructions []DeviceInstruction `json:"instructions"`
	// Whether an aborted scan should drive its motors back to their start positions.
	// example: true
	ReturnToStart bool `json:"return_to_start,omitempty" example:"true"`
	// Motor start positions used for return-to-start.
	// example: {"samx": 0.0}
	StartPositions map[string]float64 `json:"start_positions,omitempty"`
	// Exposure time per point in seconds.
	// example: 0.1
	ExpTime float64 `json:"exp_time,omitempty" example:"0.1"`
	// Number of positions reported by fly scans.
	// example: 100
	NumPositions int `json:"num_positions,omitempty" example:"100"`
	// Hint for scan report rendering (e.g. "table", "readback").
	// example: table
	ReportHint string `json:"scan_report_hint,omitempty" example:"table"`
	// Devices shown in scan reports.
	// example: ["samx"]
	ReportDevices []string `json:"scan_report_devices,omitempty"`
	// Free-form request metadata merged into the scan info.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SubmitResponse is returned by POST /queue.
type SubmitResponse struct {
	// example: 6c1f5a0e-3f0c-4a43-9c1b-0c57f3d0b6a1
	QueueID string `json:"queue_id"`
	// example: 0b9e5a77-0a4f-4cbb-8b7a-d2c5b1e0f1aa
	ScanID string `json:"scan_id"`
	// example: 2f3a1c9d-7b44-4a51-8d12-6f0e7e2ab0c4
	RID string `json:"RID"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// RequestBlockInfo summarizes one request block for queue status reports.
type RequestBlockInfo struct {
	ScanID                 string           `json:"scan_id"`
	RID                    string           `json:"RID"`
	ScanReportInstructions []map[string]any `json:"scan_report_instructions"`
}

// QueueItemInfo summarizes one work item.
type QueueItemInfo struct {
	QueueID       string             `json:"queue_id"`
	Status        QueueStatus        `json:"status"`
	IsActive      bool               `json:"is_active"`
	Stopped       bool               `json:"stopped"`
	ReturnToStart bool               `json:"return_to_start"`
	RequestBlocks []RequestBlockInfo `json:"request_blocks"`
}

// QueueInfoMessage is published on every queue change.
type QueueInfoMessage struct {
	Queue   string          `json:"queue"`
	Pending []QueueItemInfo `json:"pending"`
	Active  *QueueItemInfo  `json:"active,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Worker status.
	// example: RUNNING
	Status QueueStatus `json:"status" example:"RUNNING"`
	// Queue served by this worker.
	// example: primary
	Queue string `json:"queue" example:"primary"`
	// Currently open scan, empty when none.
	ScanID string `json:"scan_id,omitempty"`
	// Active work item, empty when idle.
	QueueID string `json:"queue_id,omitempty"`
	// Devices currently staged by the worker.
	StagedDevices []string `json:"staged_devices"`
	// Number of items waiting in the queue.
	// example: 0
	Pending int `json:"pending"`
	// Whether the device server answered the readiness gate.
	// example: true
	DeviceServerReady bool `json:"device_server_ready"`
}
