// Package devices is the device registry: it resolves logical device names
// and groups (monitored, baseline, detectors, enabled) for the scan worker.
package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"scanserver/pkg/types"
)

// Readout classes.
const (
	ReadoutMonitored  = "monitored"
	ReadoutBaseline   = "baseline"
	ReadoutAsync      = "async"
	ReadoutOnRequest  = "on_request"
	ReadoutContinuous = "continuous"
)

// TagDetector marks devices that receive trigger commands.
const TagDetector = "detector"

// Spec is the configuration form of a device.
type Spec struct {
	Name            string   `json:"name" yaml:"name" toml:"name"`
	Enabled         *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`
	ReadoutPriority string   `json:"readout_priority,omitempty" yaml:"readout_priority,omitempty" toml:"readout_priority,omitempty"`
	Tags            []string `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
}

// Device is a registered device.
type Device struct {
	Name            string
	Enabled         bool
	ReadoutPriority string
	Tags            []string
}

// HasTag reports whether the device carries tag.
func (d Device) HasTag(tag string) bool { return slices.Contains(d.Tags, tag) }

// Registry is immutable after construction and safe for concurrent reads.
type Registry struct {
	devices []Device
	byName  map[string]int
}

// New validates specs and builds a registry. Enabled defaults to true and the
// readout priority to monitored.
func New(specs []Spec) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(specs))}
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, fmt.Errorf("device with empty name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate device %q", name)
		}
		prio := s.ReadoutPriority
		if prio == "" {
			prio = ReadoutMonitored
		}
		switch prio {
		case ReadoutMonitored, ReadoutBaseline, ReadoutAsync, ReadoutOnRequest, ReadoutContinuous:
		default:
			return nil, fmt.Errorf("device %q: unknown readout priority %q", name, prio)
		}
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		r.byName[name] = len(r.devices)
		r.devices = append(r.devices, Device{
			Name:            name,
			Enabled:         enabled,
			ReadoutPriority: prio,
			Tags:            append([]string(nil), s.Tags...),
		})
	}
	return r, nil
}

// ReadSpecs reads a YAML (or JSON) list of device specs.
func ReadSpecs(path string) ([]Spec, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read devices: %w", err)
	}
	var specs []Spec
	if err := yaml.Unmarshal(b, &specs); err != nil {
		return nil, fmt.Errorf("parse devices: %w", err)
	}
	return specs, nil
}

// LoadFile builds a registry from a device spec file.
func LoadFile(path string) (*Registry, error) {
	specs, err := ReadSpecs(path)
	if err != nil {
		return nil, err
	}
	return New(specs)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Get returns the device registered under name.
func (r *Registry) Get(name string) (Device, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Device{}, false
	}
	return r.devices[i], true
}

// Names lists all registered devices in registration order.
func (r *Registry) Names() []string {
	return r.filter(func(Device) bool { return true })
}

// EnabledDevices lists enabled devices.
func (r *Registry) EnabledDevices() []string {
	return r.filter(func(d Device) bool { return d.Enabled })
}

// DetectorDevices lists enabled devices tagged as detectors.
func (r *Registry) DetectorDevices() []string {
	return r.filter(func(d Device) bool { return d.Enabled && d.HasTag(TagDetector) })
}

// MonitoredDevices lists enabled devices read at every point, honoring the
// scan's readout priority override.
func (r *Registry) MonitoredDevices(override types.ReadoutPriority) []string {
	return r.byClass(ReadoutMonitored, override)
}

// BaselineDevices lists enabled devices read once per scan.
func (r *Registry) BaselineDevices(override types.ReadoutPriority) []string {
	return r.byClass(ReadoutBaseline, override)
}

// StageableDevices lists enabled devices that take part in stage/unstage.
// Async, on-request and continuous devices manage their own lifecycle.
func (r *Registry) StageableDevices() []string {
	return r.filter(func(d Device) bool {
		return d.Enabled && (d.ReadoutPriority == ReadoutMonitored || d.ReadoutPriority == ReadoutBaseline)
	})
}

func (r *Registry) byClass(class string, override types.ReadoutPriority) []string {
	effective := make(map[string]string)
	for cls, names := range override {
		for _, n := range names {
			effective[n] = cls
		}
	}
	return r.filter(func(d Device) bool {
		if !d.Enabled {
			return false
		}
		cls, ok := effective[d.Name]
		if !ok {
			cls = d.ReadoutPriority
		}
		return cls == class
	})
}

func (r *Registry) filter(keep func(Device) bool) []string {
	out := make([]string, 0, len(r.devices))
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, d.Name)
		}
	}
	return out
}
