package scanworker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scanserver/internal/bus"
	"scanserver/internal/devices"
	"scanserver/internal/devsim"
	"scanserver/internal/queue"
	"scanserver/internal/scanworker"
	"scanserver/pkg/types"
)

const waitFor = 5 * time.Second

// recorder collects everything broadcast on one bus channel.
type recorder[T any] struct {
	mu   sync.Mutex
	msgs []T
}

func record[T any](t *testing.T, m *bus.Memory, channel string) *recorder[T] {
	t.Helper()
	r := &recorder[T]{}
	unsub := m.Subscribe(channel, func(b []byte) {
		var v T
		if err := bus.Unmarshal(b, &v); err != nil {
			return
		}
		r.mu.Lock()
		r.msgs = append(r.msgs, v)
		r.mu.Unlock()
	})
	t.Cleanup(unsub)
	return r
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.msgs...)
}

type harness struct {
	t        *testing.T
	bus      *bus.Memory
	queue    *queue.Queue
	sim      *devsim.Server
	worker   *scanworker.Worker
	statuses *recorder[types.ScanStatusMessage]
	alarms   *recorder[types.AlarmMessage]
	instrs   *recorder[types.DeviceInstruction]
	cancel   context.CancelFunc
	runErr   chan error
	once     sync.Once
}

func testDevices(t *testing.T) *devices.Registry {
	t.Helper()
	reg, err := devices.New([]devices.Spec{
		{Name: "samx"},
		{Name: "samy"},
		{Name: "bpm", ReadoutPriority: devices.ReadoutBaseline},
		{Name: "gauss", Tags: []string{devices.TagDetector}},
		{Name: "eiger", ReadoutPriority: devices.ReadoutAsync, Tags: []string{devices.TagDetector}},
	})
	require.NoError(t, err)
	return reg
}

type harnessOption func(*scanworker.Config, *devsim.Config)

func withWaitTimeout(d time.Duration) harnessOption {
	return func(c *scanworker.Config, _ *devsim.Config) { c.WaitTimeout = d }
}

func withFailing(devs ...string) harnessOption {
	return func(_ *scanworker.Config, s *devsim.Config) { s.FailDevices = devs }
}

func withoutSimulator() harnessOption {
	return func(_ *scanworker.Config, s *devsim.Config) { s.Bus = nil }
}

// withGate replaces the simulator's readiness with g; combine with
// withoutSimulator.
func withGate(g scanworker.ReadinessGate) harnessOption {
	return func(c *scanworker.Config, _ *devsim.Config) { c.DeviceServer = g }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	m := bus.NewMemory(0)
	q, err := queue.New(queue.Config{Bus: m})
	require.NoError(t, err)

	simCfg := devsim.Config{Bus: m, StartPositions: map[string]float64{"samx": -1, "samy": 0}}
	cfg := scanworker.Config{
		Bus:           m,
		Devices:       testDevices(t),
		Queue:         q,
		PollInterval:  time.Millisecond,
		PauseInterval: 5 * time.Millisecond,
		GateInterval:  5 * time.Millisecond,
	}
	for _, o := range opts {
		o(&cfg, &simCfg)
	}

	h := &harness{
		t:        t,
		bus:      m,
		queue:    q,
		statuses: record[types.ScanStatusMessage](t, m, bus.ScanStatus()),
		alarms:   record[types.AlarmMessage](t, m, bus.Alarms()),
		instrs:   record[types.DeviceInstruction](t, m, bus.DeviceInstructions()),
		runErr:   make(chan error, 1),
	}
	if simCfg.Bus != nil {
		h.sim, err = devsim.New(simCfg)
		require.NoError(t, err)
		h.sim.Start()
		cfg.DeviceServer = h.sim
	}
	h.worker, err = scanworker.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.worker.Run(ctx) }()
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.once.Do(h.stop)
}

func (h *harness) stop() {
	h.worker.Shutdown()
	h.cancel()
	select {
	case <-h.worker.Done():
	case <-time.After(waitFor):
		h.t.Errorf("worker did not stop")
	}
	if h.sim != nil {
		h.sim.Stop()
	}
	h.bus.Close()
}

func (h *harness) submit(req types.ScanRequest) types.SubmitResponse {
	h.t.Helper()
	resp, err := h.queue.Submit(context.Background(), req)
	require.NoError(h.t, err)
	return resp
}

// statusesOf returns the statuses published for scanID, in order.
func (h *harness) statusesOf(scanID string) []types.ScanStatus {
	var out []types.ScanStatus
	for _, m := range h.statuses.all() {
		if m.ScanID == scanID {
			out = append(out, m.Status)
		}
	}
	return out
}

func (h *harness) lastStatus(scanID string) (types.ScanStatusMessage, bool) {
	var last types.ScanStatusMessage
	found := false
	for _, m := range h.statuses.all() {
		if m.ScanID == scanID {
			last, found = m, true
		}
	}
	return last, found
}

func (h *harness) waitForStatus(scanID string, status types.ScanStatus) types.ScanStatusMessage {
	h.t.Helper()
	var got types.ScanStatusMessage
	require.Eventually(h.t, func() bool {
		last, ok := h.lastStatus(scanID)
		got = last
		return ok && last.Status == status
	}, waitFor, 2*time.Millisecond, "scan %s never reached %s (seen %v)", scanID, status, h.statusesOf(scanID))
	return got
}

func (h *harness) waitForHistory(n int) []types.QueueItemInfo {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.queue.History()) >= n }, waitFor, 2*time.Millisecond)
	return h.queue.History()
}

// stepScan builds a step scan over samx with one point per position.
func stepScan(positions ...float64) []types.DeviceInstruction {
	out := []types.DeviceInstruction{
		{Action: types.ActionOpenScan, Parameter: map[string]any{
			"scan_motors":      []string{"samx"},
			"readout_priority": map[string]any{"monitored": []string{"samx"}},
			"num_points":       len(positions),
			"scan_type":        "step",
		}},
		{Action: types.ActionStage},
		{Action: types.ActionBaselineReading, Parameter: map[string]any{"wait_group": "baseline"}},
	}
	for i, pos := range positions {
		point := types.Metadata{PointID: types.IntPtr(i)}
		out = append(out,
			types.DeviceInstruction{Action: types.ActionSet, Device: []string{"samx"}, Parameter: map[string]any{"value": pos, "wait_group": "scan_motor"}},
			types.DeviceInstruction{Action: types.ActionWait, Device: []string{"samx"}, Parameter: map[string]any{"type": "move", "wait_group": "scan_motor"}},
			types.DeviceInstruction{Action: types.ActionTrigger, Parameter: map[string]any{"group": "trigger"}, Metadata: point},
			types.DeviceInstruction{Action: types.ActionWait, Parameter: map[string]any{"type": "trigger", "time": 0.001}},
			types.DeviceInstruction{Action: types.ActionRead, Parameter: map[string]any{"group": "primary", "wait_group": "readout_primary"}, Metadata: point},
			types.DeviceInstruction{Action: types.ActionWait, Parameter: map[string]any{"type": "read", "group": "primary", "wait_group": "readout_primary"}, Metadata: point},
		)
	}
	return append(out,
		types.DeviceInstruction{Action: types.ActionUnstage},
		types.DeviceInstruction{Action: types.ActionCloseScan},
	)
}

func actions(instrs []types.DeviceInstruction) []types.Action {
	out := make([]types.Action, len(instrs))
	for i, in := range instrs {
		out[i] = in.Action
	}
	return out
}

// sent waits until an instruction matching keep was published and returns it.
func (h *harness) sent(keep func(types.DeviceInstruction) bool) types.DeviceInstruction {
	h.t.Helper()
	var found types.DeviceInstruction
	require.Eventually(h.t, func() bool {
		for _, in := range h.instrs.all() {
			if keep(in) {
				found = in
				return true
			}
		}
		return false
	}, waitFor, 2*time.Millisecond)
	return found
}

// reply answers a set instruction on behalf of device with the given metadata.
func (h *harness) reply(device string, md types.Metadata, success bool) {
	h.t.Helper()
	msg := types.DeviceRequestStatus{Device: device, Success: success, Metadata: md}
	require.NoError(h.t, bus.SetAndPublishJSON(context.Background(), h.bus, bus.DeviceRequestStatus(device), msg))
}

func (h *harness) waitForAlarms(n int) []types.AlarmMessage {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.alarms.all()) >= n }, waitFor, 2*time.Millisecond)
	return h.alarms.all()
}

func (h *harness) waitForIdle() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		snap := h.worker.Snapshot()
		return snap.Status == types.StatusIdle && snap.QueueID == ""
	}, waitFor, 2*time.Millisecond)
}

func isAction(action types.Action) func(types.DeviceInstruction) bool {
	return func(in types.DeviceInstruction) bool { return in.Action == action }
}

// deviceStatus writes device's status key on behalf of the device server.
func (h *harness) deviceStatus(device string, md types.Metadata, status int) {
	h.t.Helper()
	msg := types.DeviceStatusMessage{Device: device, Status: status, Metadata: md}
	require.NoError(h.t, bus.SetAndPublishJSON(context.Background(), h.bus, bus.DeviceStatus(device), msg))
}

// stagedFlag writes device's staged key on behalf of the device server.
func (h *harness) stagedFlag(device string, md types.Metadata, staged bool) {
	h.t.Helper()
	msg := types.DeviceStagedMessage{Device: device, Staged: staged, Metadata: md}
	require.NoError(h.t, bus.SetAndPublishJSON(context.Background(), h.bus, bus.DeviceStaged(device), msg))
}
