package scanworker

import (
	"context"

	"scanserver/pkg/types"
)

// Queue is the ordered source of work items served by one worker.
type Queue interface {
	// Next blocks until a work item is available or ctx is done.
	Next(ctx context.Context) (WorkItem, error)
	// Abort stops the queue after a failed or aborted item and drains pending work.
	Abort()
	// IncreaseScanNumber consumes a scan number for a scan that never closed.
	IncreaseScanNumber(ctx context.Context) error
	// SendQueueStatus republishes the queue status record.
	SendQueueStatus(ctx context.Context)
}

// WorkItem is one instruction queue item. The worker borrows it while
// processing and must not retain it afterwards.
type WorkItem interface {
	QueueID() string
	// NextInstruction returns the next instruction, or io.EOF when exhausted.
	NextInstruction(ctx context.Context) (*types.DeviceInstruction, error)
	SetActive(active bool)
	SetStatus(status types.QueueStatus)
	Stopped() bool
	SetStopped(stopped bool)
	ReturnToStart() bool
	// ActiveRequestBlock returns nil until the first request block is opened.
	ActiveRequestBlock() RequestBlock
	AppendToHistory()
}

// RequestBlock is one logical scan inside a work item.
type RequestBlock interface {
	ScanID() string
	Metadata() map[string]any
	AppendScanReportInstruction(instr map[string]any)
	Scan() Scan
}

// Scan is the scan-specific behavior behind a request block.
type Scan interface {
	ExpTime() float64
	NumPositions() int
	ScanReportHint() string
	ScanReportDevices() []string
	ReturnToStart() ([]types.DeviceInstruction, error)
}

// DeviceRegistry resolves device names and groups.
type DeviceRegistry interface {
	Has(name string) bool
	EnabledDevices() []string
	DetectorDevices() []string
	StageableDevices() []string
	MonitoredDevices(override types.ReadoutPriority) []string
	BaselineDevices(override types.ReadoutPriority) []string
}

// ReadinessGate reports whether the device server is available.
type ReadinessGate interface {
	Available() bool
}
