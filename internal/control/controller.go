// Package control is the operator-facing facade over one scan worker and its
// queue. It backs the HTTP API.
package control

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"scanserver/internal/bus"
	"scanserver/internal/queue"
	"scanserver/internal/scanworker"
	"scanserver/pkg/types"
)

// Config wires a Controller.
type Config struct {
	Worker *scanworker.Worker
	Queue  *queue.Queue
	Bus    bus.Connector
	// DeviceServer gates readiness; nil means always ready.
	DeviceServer scanworker.ReadinessGate
	Logger       *zerolog.Logger
}

type Controller struct {
	worker *scanworker.Worker
	queue  *queue.Queue
	bus    bus.Connector
	gate   scanworker.ReadinessGate
	log    zerolog.Logger
}

func New(cfg Config) (*Controller, error) {
	if cfg.Worker == nil || cfg.Queue == nil || cfg.Bus == nil {
		return nil, errors.New("control: worker, queue and bus are required")
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	return &Controller{
		worker: cfg.Worker,
		queue:  cfg.Queue,
		bus:    cfg.Bus,
		gate:   cfg.DeviceServer,
		log:    log.With().Str("component", "control").Logger(),
	}, nil
}

func (c *Controller) stopped() bool {
	select {
	case <-c.worker.Done():
		return true
	default:
		return false
	}
}

// Submit queues a pre-assembled scan.
func (c *Controller) Submit(ctx context.Context, req types.ScanRequest) (types.SubmitResponse, error) {
	if c.stopped() {
		return types.SubmitResponse{}, ErrUnavailable("scan worker is not running")
	}
	resp, err := c.queue.Submit(ctx, req)
	if err != nil {
		return types.SubmitResponse{}, ErrInvalidRequest(err.Error())
	}
	c.log.Info().Str("queue_id", resp.QueueID).Str("scan_id", resp.ScanID).Int("instructions", len(req.Instructions)).Msg("scan submitted")
	return resp, nil
}

func (c *Controller) Pause() {
	c.worker.Pause()
	c.log.Info().Msg("pause requested")
}

func (c *Controller) Resume() {
	c.worker.Resume()
	c.log.Info().Msg("resume requested")
}

// Abort stops the active work item; pending items are drained by the worker's
// abort path.
func (c *Controller) Abort() bool {
	ok := c.worker.Stop()
	c.log.Info().Bool("active", ok).Msg("abort requested")
	return ok
}

func (c *Controller) Status() types.StatusResponse {
	snap := c.worker.Snapshot()
	return types.StatusResponse{
		Status:            snap.Status,
		Queue:             snap.Queue,
		ScanID:            snap.ScanID,
		QueueID:           snap.QueueID,
		StagedDevices:     snap.StagedDevices,
		Pending:           c.queue.Pending(),
		DeviceServerReady: c.gate == nil || c.gate.Available(),
	}
}

func (c *Controller) History() []types.QueueItemInfo { return c.queue.History() }

// ScanStatus returns the last published status record of scanID.
func (c *Controller) ScanStatus(ctx context.Context, scanID string) (types.ScanStatusMessage, bool, error) {
	var msg types.ScanStatusMessage
	ok, err := bus.GetJSON(ctx, c.bus, bus.PublicScanInfo(scanID), &msg)
	return msg, ok, err
}

// Ready reports whether the worker runs and the device server is reachable.
func (c *Controller) Ready() bool {
	return !c.stopped() && (c.gate == nil || c.gate.Available())
}
