package scanworker

import (
	"context"
	"fmt"
	"time"

	"scanserver/internal/bus"
	"scanserver/pkg/types"
)

// pendingNames lists the device names of pending entries.
func pendingNames(pending []Pending) []string {
	out := make([]string, len(pending))
	for i, p := range pending {
		out[i] = p.Device
	}
	return out
}

// waitForMove blocks until every device of the wait group reported success for
// exactly the (scanID, RID, DIID) it was commanded with. A matching failure
// reply raises a MAJOR alarm and aborts the scan.
func (w *Worker) waitForMove(ctx context.Context, st *session, instr *types.DeviceInstruction, devices []string) error {
	group := instr.ParamString("wait_group")
	if group == "" {
		return ErrInstruction("move wait without wait_group")
	}
	pending, err := w.groups.Resolve(group, devices)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	names := pendingNames(pending)
	md := instr.Metadata
	err = w.poll(ctx, st, instr, "move", names, bus.Keys(bus.DeviceRequestStatus, names), w.waitTimeout,
		func(raw [][]byte) (bool, error) {
			done := true
			for i, b := range raw {
				if b == nil {
					done = false
					continue
				}
				var msg types.DeviceRequestStatus
				if err := bus.Unmarshal(b, &msg); err != nil {
					return false, err
				}
				if msg.Metadata.ScanID != md.ScanID || msg.Metadata.RID != md.RID || msg.Metadata.DIID != pending[i].DIID {
					// stale reply from an earlier instruction
					done = false
					continue
				}
				if !msg.Success {
					return false, w.movementFailed(ctx, pending[i].Device, instr)
				}
			}
			return done, nil
		})
	if err != nil {
		return err
	}
	w.groups.Clear(group, names)
	return nil
}

// waitForRead blocks until every device of the wait group is idle for the
// (scanID, DIID) it was commanded with.
func (w *Worker) waitForRead(ctx context.Context, st *session, instr *types.DeviceInstruction, devices []string) error {
	group := instr.ParamString("wait_group")
	if group == "" {
		return ErrInstruction("read wait without wait_group")
	}
	pending, err := w.groups.Resolve(group, devices)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	names := pendingNames(pending)
	md := instr.Metadata
	err = w.poll(ctx, st, instr, "read", names, bus.Keys(bus.DeviceStatus, names), w.waitTimeout,
		func(raw [][]byte) (bool, error) {
			for i, b := range raw {
				if b == nil {
					return false, nil
				}
				var msg types.DeviceStatusMessage
				if err := bus.Unmarshal(b, &msg); err != nil {
					return false, err
				}
				if msg.Status != types.DeviceIdle || msg.Metadata.ScanID != md.ScanID || msg.Metadata.DIID != pending[i].DIID {
					return false, nil
				}
			}
			return true, nil
		})
	if err != nil {
		return err
	}
	w.groups.Clear(group, names)
	return nil
}

// waitForTrigger sleeps for the instruction's "time" parameter (seconds),
// re-checking for interruptions at the pause interval.
func (w *Worker) waitForTrigger(ctx context.Context, st *session, instr *types.DeviceInstruction) error {
	secs, _ := instr.ParamFloat("time")
	start := w.now()
	defer func() { barrierDuration.WithLabelValues("trigger").Observe(w.now().Sub(start).Seconds()) }()
	deadline := start.Add(time.Duration(secs * float64(time.Second)))
	for {
		remaining := deadline.Sub(w.now())
		if remaining <= 0 {
			return w.checkInterruption(ctx, st)
		}
		if remaining > w.pauseInterval {
			remaining = w.pauseInterval
		}
		if err := sleepCtx(ctx, remaining); err != nil {
			return abortionFrom("shutdown", err)
		}
		if err := w.checkInterruption(ctx, st); err != nil {
			return err
		}
	}
}

// waitForStage blocks until devices report the target staged flag for the
// instruction's (scanID, DIID).
func (w *Worker) waitForStage(ctx context.Context, st *session, instr *types.DeviceInstruction, devices []string, staged bool) error {
	if len(devices) == 0 {
		return nil
	}
	md := instr.Metadata
	barrier := "stage"
	if !staged {
		barrier = "unstage"
	}
	return w.poll(ctx, st, instr, barrier, devices, bus.Keys(bus.DeviceStaged, devices), w.stageTimeout,
		func(raw [][]byte) (bool, error) {
			for _, b := range raw {
				if b == nil {
					return false, nil
				}
				var msg types.DeviceStagedMessage
				if err := bus.Unmarshal(b, &msg); err != nil {
					return false, err
				}
				if msg.Staged != staged || msg.Metadata.ScanID != md.ScanID || msg.Metadata.DIID != md.DIID {
					return false, nil
				}
			}
			return true, nil
		})
}

// poll re-reads keys every PollInterval until check reports done, routing
// every iteration through the interruption check. On timeout it raises a
// MAJOR alarm and aborts the scan.
func (w *Worker) poll(ctx context.Context, st *session, instr *types.DeviceInstruction, barrier string, devices, keys []string,
	timeout time.Duration, check func(raw [][]byte) (bool, error)) error {
	start := w.now()
	defer func() { barrierDuration.WithLabelValues(barrier).Observe(w.now().Sub(start).Seconds()) }()
	for {
		if err := w.checkInterruption(ctx, st); err != nil {
			return err
		}
		raw, err := w.bus.MGet(ctx, keys...)
		if err != nil {
			return fmt.Errorf("%s barrier: %w", barrier, err)
		}
		done, err := check(raw)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if timeout > 0 && w.now().Sub(start) >= timeout {
			terr := waitTimeoutError{barrier: barrier, devices: devices, after: timeout}
			w.raiseAlarm(ctx, terr.Kind(), terr.Error(), instr)
			return abortionFrom(barrier+" barrier timed out", terr)
		}
		if err := sleepCtx(ctx, w.pollInterval); err != nil {
			return abortionFrom("shutdown", err)
		}
	}
}

// movementFailed raises a MAJOR alarm with the device's last known position
// and returns the abortion that unwinds the scan.
func (w *Worker) movementFailed(ctx context.Context, device string, instr *types.DeviceInstruction) error {
	var lastPos any
	var rb types.DeviceMessage
	if ok, err := bus.GetJSON(ctx, w.bus, bus.DeviceReadback(device), &rb); err != nil {
		w.log.Error().Err(err).Str("device", device).Msg("read last position")
	} else if ok {
		if sig, ok := rb.Signals[device]; ok {
			lastPos = sig.Value
		}
	}
	ferr := deviceFailureError{device: device, lastPos: lastPos}
	w.raiseAlarm(ctx, ferr.Kind(), ferr.Error(), instr)
	return abortionFrom("device failure", ferr)
}
