package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `addr: :9999
queue: primary
poll_interval_ms: 20
wait_timeout_ms: 1500
status_retention_min: 5
simulate: true
fail_devices: [samy]
start_positions: {samx: -1.5}
devices:
  - name: samx
  - name: eiger
    readout_priority: async
    tags: [detector]
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.Queue != "primary" || !cfg.Simulate {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.PollInterval() != 20*time.Millisecond || cfg.WaitTimeout() != 1500*time.Millisecond || cfg.StatusRetention() != 5*time.Minute {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if len(cfg.FailDevices) != 1 || cfg.FailDevices[0] != "samy" || cfg.StartPositions["samx"] != -1.5 {
		t.Fatalf("unexpected simulator settings: %+v", cfg)
	}
	if len(cfg.Devices) != 2 || cfg.Devices[1].ReadoutPriority != "async" || cfg.Devices[1].Tags[0] != "detector" {
		t.Fatalf("unexpected devices: %+v", cfg.Devices)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","pause_interval_ms":250,"history_size":12,"cors_origins":["http://localhost:3000"]}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.PauseInterval() != 250*time.Millisecond || cfg.HistorySize != 12 || len(cfg.CORSOrigins) != 1 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\nstage_timeout_ms=300\nlog_level=\"debug\"\nlog_format=\"console\"\n\n[[devices]]\nname=\"samx\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.StageTimeout() != 300*time.Millisecond || cfg.LogLevel != "debug" || cfg.LogFormat != "console" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Name != "samx" {
		t.Fatalf("unexpected devices: %+v", cfg.Devices)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestDeviceSpecsMergesFileAndInline(t *testing.T) {
	d := t.TempDir()
	writeTempFile(t, d, "devices.yaml", "- name: samx\n- name: samy\n")
	p := writeTempFile(t, d, "cfg.yaml", "devices_file: devices.yaml\ndevices:\n  - name: bpm\n    readout_priority: baseline\n")
	loaded, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	specs, err := loaded.DeviceSpecs(d)
	if err != nil {
		t.Fatalf("device specs: %v", err)
	}
	if len(specs) != 3 || specs[0].Name != "samx" || specs[2].Name != "bpm" {
		t.Fatalf("unexpected specs: %+v", specs)
	}

	if _, err := (Config{DevicesFile: "missing.yaml"}).DeviceSpecs(d); err == nil {
		t.Fatalf("expected error for missing devices file")
	}
}
