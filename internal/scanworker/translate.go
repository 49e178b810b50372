package scanworker

import (
	"context"
	"maps"

	"scanserver/internal/bus"
	"scanserver/pkg/types"
)

// step dispatches one instruction. Unknown actions are logged and skipped
// without touching session state.
func (w *Worker) step(ctx context.Context, st *session, instr *types.DeviceInstruction) error {
	if err := w.checkInterruption(ctx, st); err != nil {
		return err
	}
	if !instr.Action.Known() {
		instructionsTotal.WithLabelValues("unknown").Inc()
		w.log.Warn().Str("action", string(instr.Action)).Str("instruction", instr.String()).Msg("unknown device instruction")
		return nil
	}
	instructionsTotal.WithLabelValues(string(instr.Action)).Inc()
	w.log.Debug().Str("instruction", instr.String()).Msg("dispatch")

	st.observePoint(instr.Metadata)
	st.trace = append(st.trace, instr.String())

	devices, err := w.resolveDevices(st, instr)
	if err != nil {
		return err
	}
	w.trackWaitGroup(instr, devices)

	switch instr.Action {
	case types.ActionOpenScan:
		return w.openScan(ctx, st, instr)
	case types.ActionOpenScanDef:
		return nil
	case types.ActionCloseScan, types.ActionCloseScanDef:
		return w.closeScan(ctx, st, instr)
	case types.ActionWait:
		return w.wait(ctx, st, instr, devices)
	case types.ActionTrigger:
		return w.forward(ctx, instr, types.ActionTrigger, w.devices.DetectorDevices())
	case types.ActionSet, types.ActionRPC:
		return w.send(ctx, *instr)
	case types.ActionRead:
		return w.read(ctx, st, instr, devices)
	case types.ActionKickoff, types.ActionComplete:
		return w.forward(ctx, instr, instr.Action, devices)
	case types.ActionBaselineReading:
		return w.forward(ctx, instr, types.ActionRead, w.devices.BaselineDevices(st.readoutPriority))
	case types.ActionStage:
		return w.stage(ctx, st, instr)
	case types.ActionUnstage:
		return w.unstage(ctx, st, instr, devices)
	case types.ActionPublishDataAsRead:
		return w.publishDataAsRead(ctx, instr)
	case types.ActionScanReportInstruct:
		return w.scanReportInstruction(ctx, st, instr)
	}
	return nil
}

// resolveDevices returns the explicit device list, or the devices of the
// named group when none are listed.
func (w *Worker) resolveDevices(st *session, instr *types.DeviceInstruction) ([]string, error) {
	if len(instr.Device) > 0 {
		for _, d := range instr.Device {
			if !w.devices.Has(d) {
				return nil, ErrInstruction("unknown device %q in %s", d, instr.Action)
			}
		}
		return instr.Device, nil
	}
	switch instr.ParamString("group") {
	case types.GroupPrimary, types.GroupMonitored:
		return w.devices.MonitoredDevices(st.readoutPriority), nil
	case types.GroupScanMotor:
		return append([]string(nil), st.scanMotors...), nil
	case types.GroupAllEnabled, types.GroupEnabled:
		return w.devices.EnabledDevices(), nil
	}
	return nil, nil
}

// trackWaitGroup records the instruction's devices under its wait_group.
// Waits never record, so a barrier cannot wait on itself.
func (w *Worker) trackWaitGroup(instr *types.DeviceInstruction, devices []string) {
	group := instr.ParamString("wait_group")
	if group == "" || instr.Action == types.ActionWait {
		return
	}
	diids := make(map[string]int, len(devices))
	for _, d := range devices {
		diids[d] = instr.Metadata.DIID
	}
	w.groups.Record(group, diids)
}

func (w *Worker) openScan(ctx context.Context, st *session, instr *types.DeviceInstruction) error {
	if st.scanID == "" {
		st.scanID = instr.Metadata.ScanID
		st.lastScanID = st.scanID
		if motors := instr.ParamStrings("scan_motors"); motors != nil {
			st.scanMotors = motors
		}
		if rp, ok := instr.Param("readout_priority"); ok {
			st.readoutPriority = types.ParseReadoutPriority(rp)
		}
		st.scanType = instr.ParamString("scan_type")
	}

	carried := 0
	if instr.Metadata.ScanDefID != "" && st.pointsSeen {
		carried = st.maxPointID + 1
	} else {
		st.maxPointID = 0
		st.pointsSeen = false
	}
	n, _ := instr.ParamInt("num_points")
	numPoints := carried + n

	rb := st.item.ActiveRequestBlock()
	if rb == nil {
		return ErrInstruction("open_scan for %s without an active request block", instr.Metadata.ScanID)
	}
	if err := w.bk.initScanInfo(ctx, st, rb, instr, numPoints); err != nil {
		return err
	}
	rb.AppendScanReportInstruction(map[string]any{"table_wait": numPoints})
	w.queue.SendQueueStatus(ctx)
	return w.bk.publish(ctx, st, types.ScanOpen)
}

func (w *Worker) closeScan(ctx context.Context, st *session, instr *types.DeviceInstruction) error {
	if st.scanID == "" || instr.Metadata.ScanID != st.scanID {
		w.log.Debug().Str("scan_id", instr.Metadata.ScanID).Str("open_scan_id", st.scanID).Msg("ignoring close for a scan that is not open")
		return nil
	}
	if instr.Action == types.ActionCloseScan && instr.Metadata.ScanDefID != "" {
		// closed by the matching close_scan_def
		return nil
	}
	numPoints := 0
	if st.scanType == "fly" {
		if rb := st.item.ActiveRequestBlock(); rb != nil {
			numPoints = rb.Scan().NumPositions()
		}
	} else if st.pointsSeen {
		numPoints = st.maxPointID + 1
	}
	st.scanInfo["num_points"] = numPoints
	if err := w.bk.publish(ctx, st, types.ScanClosed); err != nil {
		return err
	}
	st.scanID = ""
	return nil
}

func (w *Worker) wait(ctx context.Context, st *session, instr *types.DeviceInstruction, devices []string) error {
	switch wt := types.WaitType(instr.ParamString("type")); wt {
	case types.WaitMove:
		return w.waitForMove(ctx, st, instr, devices)
	case types.WaitRead:
		return w.waitForRead(ctx, st, instr, devices)
	case types.WaitTrigger:
		return w.waitForTrigger(ctx, st, instr)
	default:
		return ErrInstruction("unknown wait type %q", wt)
	}
}

func (w *Worker) read(ctx context.Context, st *session, instr *types.DeviceInstruction, devices []string) error {
	if len(devices) == 0 {
		devices = w.devices.MonitoredDevices(st.readoutPriority)
	}
	if instr.Metadata.Cached {
		return w.publishCachedReadback(ctx, instr, devices)
	}
	return w.forward(ctx, instr, types.ActionRead, devices)
}

// publishCachedReadback re-publishes the last known readback of each device,
// stamped with the instruction's metadata, instead of asking the device.
func (w *Worker) publishCachedReadback(ctx context.Context, instr *types.DeviceInstruction, devices []string) error {
	raw, err := w.bus.MGet(ctx, bus.Keys(bus.DeviceReadback, devices)...)
	if err != nil {
		return err
	}
	for i, b := range raw {
		if b == nil {
			w.log.Warn().Str("device", devices[i]).Msg("no cached readback available")
			continue
		}
		var msg types.DeviceMessage
		if err := bus.Unmarshal(b, &msg); err != nil {
			return err
		}
		msg.Metadata = instr.Metadata
		if err := bus.SetAndPublishJSON(ctx, w.bus, bus.DeviceRead(devices[i]), msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) stage(ctx context.Context, st *session, instr *types.DeviceInstruction) error {
	devices := w.devices.StageableDevices()
	if err := w.forward(ctx, instr, types.ActionStage, devices); err != nil {
		return err
	}
	st.stage(devices)
	w.refreshView()
	return w.waitForStage(ctx, st, instr, devices, true)
}

func (w *Worker) unstage(ctx context.Context, st *session, instr *types.DeviceInstruction, devices []string) error {
	if len(devices) == 0 {
		devices = w.devices.StageableDevices()
	}
	if err := w.forward(ctx, instr, types.ActionUnstage, devices); err != nil {
		return err
	}
	if err := w.waitForStage(ctx, st, instr, devices, false); err != nil {
		return err
	}
	st.unstage(devices)
	w.refreshView()
	return nil
}

func (w *Worker) publishDataAsRead(ctx context.Context, instr *types.DeviceInstruction) error {
	data, ok := instr.Param("data")
	if !ok {
		return ErrInstruction("publish_data_as_read without data")
	}
	b, err := bus.Marshal(data)
	if err != nil {
		return err
	}
	var signals map[string]types.Signal
	if err := bus.Unmarshal(b, &signals); err != nil {
		return ErrInstruction("publish_data_as_read: malformed data: %v", err)
	}
	for _, dev := range instr.Device {
		msg := types.DeviceMessage{Signals: signals, Metadata: instr.Metadata}
		if err := bus.SetAndPublishJSON(ctx, w.bus, bus.DeviceRead(dev), msg); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) scanReportInstruction(ctx context.Context, st *session, instr *types.DeviceInstruction) error {
	rb := st.item.ActiveRequestBlock()
	if rb == nil {
		return ErrInstruction("scan_report_instruction without an active request block")
	}
	rb.AppendScanReportInstruction(maps.Clone(instr.Parameter))
	w.queue.SendQueueStatus(ctx)
	return nil
}

// forward sends a new instruction for devices carrying the original
// parameters and metadata.
func (w *Worker) forward(ctx context.Context, instr *types.DeviceInstruction, action types.Action, devices []string) error {
	if len(devices) == 0 {
		w.log.Debug().Str("action", string(action)).Msg("no devices to forward to")
		return nil
	}
	return w.send(ctx, types.DeviceInstruction{
		Action:    action,
		Device:    append([]string(nil), devices...),
		Parameter: instr.Parameter,
		Metadata:  instr.Metadata,
	})
}

func (w *Worker) send(ctx context.Context, instr types.DeviceInstruction) error {
	return bus.PublishJSON(ctx, w.bus, bus.DeviceInstructions(), instr)
}
