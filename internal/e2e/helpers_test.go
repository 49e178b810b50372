package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"scanserver/internal/bus"
	"scanserver/internal/config"
	"scanserver/internal/control"
	"scanserver/internal/devices"
	"scanserver/internal/devsim"
	"scanserver/internal/httpapi"
	"scanserver/internal/queue"
	"scanserver/internal/scanworker"
	"scanserver/pkg/types"
)

const devicesYAML = `
- name: samx
- name: samy
- name: bpm
  readout_priority: baseline
- name: gauss
  tags: [detector]
`

// writeConfig writes a YAML config and its device list into a temp dir and
// returns the config path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "devices.yaml"), []byte(devicesYAML), 0o644); err != nil {
		t.Fatalf("write devices: %v", err)
	}
	p := filepath.Join(dir, "scanserver.yaml")
	if err := os.WriteFile(p, []byte("devices_file: devices.yaml\n"+body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

type server struct {
	url  string
	bus  *bus.Memory
	sim  *devsim.Server
	ctrl *control.Controller
}

// newServerForConfig assembles the full server stack from a config file and
// serves it over httptest.
func newServerForConfig(t *testing.T, path string) *server {
	t.Helper()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	specs, err := cfg.DeviceSpecs(filepath.Dir(path))
	if err != nil {
		t.Fatalf("device specs: %v", err)
	}
	reg, err := devices.New(specs)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	m := bus.NewMemory(0)
	q, err := queue.New(queue.Config{Name: cfg.Queue, Bus: m, HistorySize: cfg.HistorySize})
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	sim, err := devsim.New(devsim.Config{Bus: m, FailDevices: cfg.FailDevices, StartPositions: cfg.StartPositions})
	if err != nil {
		t.Fatalf("devsim: %v", err)
	}
	w, err := scanworker.New(scanworker.Config{
		QueueName:     q.Name(),
		Bus:           m,
		Devices:       reg,
		Queue:         q,
		DeviceServer:  sim,
		PollInterval:  cfg.PollInterval(),
		PauseInterval: cfg.PauseInterval(),
		GateInterval:  cfg.GateInterval(),
		WaitTimeout:   cfg.WaitTimeout(),
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	ctrl, err := control.New(control.Config{Worker: w, Queue: q, Bus: m, DeviceServer: sim})
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	sim.Start()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	srv := httptest.NewServer(httpapi.NewMux(ctrl))
	t.Cleanup(func() {
		srv.Close()
		w.Shutdown()
		cancel()
		<-w.Done()
		sim.Stop()
		m.Close()
	})
	return &server{url: srv.URL, bus: m, sim: sim, ctrl: ctrl}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func httpPost(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *server) scanStatus(t *testing.T, scanID string) (types.ScanStatusMessage, bool) {
	t.Helper()
	resp, body := httpGet(t, s.url+"/scans/"+scanID)
	if resp.StatusCode == http.StatusNotFound {
		return types.ScanStatusMessage{}, false
	}
	var msg types.ScanStatusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("decode scan status: %v (%s)", err, body)
	}
	return msg, true
}

func (s *server) history(t *testing.T) []types.QueueItemInfo {
	t.Helper()
	_, body := httpGet(t, s.url+"/queue/history")
	var out struct {
		History []types.QueueItemInfo `json:"history"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode history: %v (%s)", err, body)
	}
	return out.History
}

// lineScan moves samx through positions, reading the primary group at each.
func lineScan(positions ...float64) []types.DeviceInstruction {
	out := []types.DeviceInstruction{
		{Action: types.ActionOpenScan, Parameter: map[string]any{"scan_motors": []string{"samx"}, "num_points": len(positions)}},
		{Action: types.ActionStage},
		{Action: types.ActionBaselineReading, Parameter: map[string]any{"wait_group": "readout_baseline"}},
	}
	for i, p := range positions {
		point := types.Metadata{PointID: types.IntPtr(i)}
		out = append(out,
			types.DeviceInstruction{Action: types.ActionSet, Device: []string{"samx"}, Parameter: map[string]any{"value": p, "wait_group": "scan_motor"}},
			types.DeviceInstruction{Action: types.ActionWait, Device: []string{"samx"}, Parameter: map[string]any{"type": "move", "wait_group": "scan_motor"}},
			types.DeviceInstruction{Action: types.ActionRead, Parameter: map[string]any{"group": "primary", "wait_group": "readout_primary"}, Metadata: point},
			types.DeviceInstruction{Action: types.ActionWait, Parameter: map[string]any{"type": "read", "group": "primary", "wait_group": "readout_primary"}, Metadata: point},
		)
	}
	return append(out,
		types.DeviceInstruction{Action: types.ActionUnstage},
		types.DeviceInstruction{Action: types.ActionCloseScan},
	)
}
