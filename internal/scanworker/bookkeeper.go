package scanworker

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"scanserver/internal/bus"
	"scanserver/pkg/types"
)

// bookkeeper composes the info of the open scan and publishes its status
// transitions.
type bookkeeper struct {
	bus       bus.Connector
	log       zerolog.Logger
	queueName string
	retention time.Duration
	now       func() time.Time
}

// initScanInfo snapshots the metadata of a freshly opened scan.
func (b *bookkeeper) initScanInfo(ctx context.Context, st *session, rb RequestBlock, instr *types.DeviceInstruction, numPoints int) error {
	info := make(map[string]any)
	maps.Copy(info, rb.Metadata())
	maps.Copy(info, instr.Parameter)
	maps.Copy(info, instr.Metadata.Fields())

	scanNumber, err := bus.GetInt(ctx, b.bus, bus.ScanNumber())
	if err != nil {
		return fmt.Errorf("read scan number: %w", err)
	}
	datasetNumber, err := bus.GetInt(ctx, b.bus, bus.DatasetNumber())
	if err != nil {
		return fmt.Errorf("read dataset number: %w", err)
	}
	scan := rb.Scan()
	info["scan_number"] = scanNumber
	info["dataset_number"] = datasetNumber
	info["exp_time"] = st.expTime
	info["scan_report_hint"] = scan.ScanReportHint()
	info["scan_report_devices"] = scan.ScanReportDevices()
	info["num_points"] = numPoints
	info["scan_type"] = st.scanType
	info["scan_motors"] = st.scanMotors
	info["readout_priority"] = st.readoutPriority
	info["queue_id"] = st.item.QueueID()
	info["stream"] = b.queueName
	st.scanInfo = info
	return nil
}

// publish writes the status record to the keyed public info (expiring for
// terminal statuses) and broadcasts it, atomically.
func (b *bookkeeper) publish(ctx context.Context, st *session, status types.ScanStatus) error {
	scanID := st.scanID
	if scanID == "" {
		b.log.Debug().Str("status", string(status)).Msg("no open scan, status not published")
		return nil
	}
	info := make(map[string]any, len(st.scanInfo)+1)
	maps.Copy(info, st.scanInfo)
	info["instructions"] = append([]string(nil), st.trace...)

	msg := types.ScanStatusMessage{
		ScanID:    scanID,
		Status:    status,
		Info:      info,
		Timestamp: float64(b.now().UnixNano()) / 1e9,
	}
	payload, err := bus.Marshal(msg)
	if err != nil {
		return err
	}
	var expire time.Duration
	if status.Terminal() {
		expire = b.retention
	}

	b.log.Info().
		Str("scan_id", scanID).
		Str("status", string(status)).
		Interface("info", loggableInfo(info)).
		Msg("new scan status")

	pipe := b.bus.Pipeline()
	pipe.Set(bus.PublicScanInfo(scanID), payload, expire)
	pipe.SetAndPublish(bus.ScanStatus(), payload)
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish scan status %s: %w", status, err)
	}
	scanStatusTotal.WithLabelValues(string(status)).Inc()
	return nil
}

// loggableInfo elides position arrays, which can be huge.
func loggableInfo(info map[string]any) map[string]any {
	if _, ok := info["positions"]; !ok {
		return info
	}
	out := maps.Clone(info)
	out["positions"] = "..."
	return out
}
