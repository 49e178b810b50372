// Package devsim is an in-process stand-in for the device server. It consumes
// device instructions from the bus and answers on the device endpoints the way
// real hardware would: readbacks, request status, idle status and staged flags.
package devsim

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"scanserver/internal/bus"
	"scanserver/pkg/types"
)

// Config holds the simulator's bus and initial device state.
type Config struct {
	Bus    bus.Client
	Logger *zerolog.Logger
	// FailDevices answer every set with success=false.
	FailDevices []string
	// StartPositions seeds motor positions; unknown devices start at zero.
	StartPositions map[string]float64
	Now            func() time.Time
}

// Server is safe for concurrent use.
type Server struct {
	bus bus.Client
	log zerolog.Logger
	now func() time.Time

	available atomic.Bool

	mu        sync.Mutex
	positions map[string]float64
	failing   map[string]bool
	staged    map[string]bool
	received  []types.DeviceInstruction
	unsub     func()
}

// New creates a stopped simulator.
func New(cfg Config) (*Server, error) {
	if cfg.Bus == nil {
		return nil, errors.New("devsim: bus is required")
	}
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		bus:       cfg.Bus,
		log:       log.With().Str("component", "devsim").Logger(),
		now:       cfg.Now,
		positions: maps.Clone(cfg.StartPositions),
		failing:   make(map[string]bool, len(cfg.FailDevices)),
		staged:    map[string]bool{},
	}
	if s.positions == nil {
		s.positions = map[string]float64{}
	}
	for _, d := range cfg.FailDevices {
		s.failing[d] = true
	}
	return s, nil
}

// Start subscribes to the instruction channel and marks the server available.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil {
		return
	}
	s.unsub = s.bus.Subscribe(bus.DeviceInstructions(), s.handle)
	s.available.Store(true)
	s.log.Info().Msg("device simulator started")
}

// Stop unsubscribes and marks the server unavailable.
func (s *Server) Stop() {
	s.available.Store(false)
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
		s.log.Info().Msg("device simulator stopped")
	}
}

// Available reports whether the simulator is serving instructions.
func (s *Server) Available() bool { return s.available.Load() }

// SetFailing toggles movement failures for device.
func (s *Server) SetFailing(device string, failing bool) {
	s.mu.Lock()
	s.failing[device] = failing
	s.mu.Unlock()
}

// Position returns the simulated position of device.
func (s *Server) Position(device string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[device]
}

// Staged reports whether device is currently staged.
func (s *Server) Staged(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged[device]
}

// Instructions returns every instruction received so far.
func (s *Server) Instructions() []types.DeviceInstruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.DeviceInstruction(nil), s.received...)
}

func (s *Server) handle(payload []byte) {
	var instr types.DeviceInstruction
	if err := bus.Unmarshal(payload, &instr); err != nil {
		s.log.Error().Err(err).Msg("malformed device instruction")
		return
	}
	s.mu.Lock()
	s.received = append(s.received, instr)
	s.mu.Unlock()

	ctx := context.Background()
	for _, dev := range instr.Device {
		if err := s.apply(ctx, dev, instr); err != nil {
			s.log.Error().Err(err).Str("device", dev).Str("action", string(instr.Action)).Msg("simulate instruction")
		}
	}
}

func (s *Server) apply(ctx context.Context, dev string, instr types.DeviceInstruction) error {
	md := instr.Metadata
	switch instr.Action {
	case types.ActionSet:
		value, _ := instr.ParamFloat("value")
		s.mu.Lock()
		ok := !s.failing[dev]
		if ok {
			s.positions[dev] = value
		}
		s.mu.Unlock()
		if err := s.writeReadback(ctx, dev, md); err != nil {
			return err
		}
		return bus.SetAndPublishJSON(ctx, s.bus, bus.DeviceRequestStatus(dev),
			types.DeviceRequestStatus{Device: dev, Success: ok, Metadata: md})
	case types.ActionRPC:
		return bus.SetAndPublishJSON(ctx, s.bus, bus.DeviceRequestStatus(dev),
			types.DeviceRequestStatus{Device: dev, Success: true, Metadata: md})
	case types.ActionRead:
		if err := s.writeReadback(ctx, dev, md); err != nil {
			return err
		}
		if err := bus.SetAndPublishJSON(ctx, s.bus, bus.DeviceRead(dev), s.reading(dev, md)); err != nil {
			return err
		}
		return s.idle(ctx, dev, md)
	case types.ActionTrigger, types.ActionKickoff, types.ActionComplete:
		return s.idle(ctx, dev, md)
	case types.ActionStage, types.ActionUnstage:
		staged := instr.Action == types.ActionStage
		s.mu.Lock()
		s.staged[dev] = staged
		s.mu.Unlock()
		return bus.SetAndPublishJSON(ctx, s.bus, bus.DeviceStaged(dev),
			types.DeviceStagedMessage{Device: dev, Staged: staged, Metadata: md})
	}
	return nil
}

func (s *Server) reading(dev string, md types.Metadata) types.DeviceMessage {
	s.mu.Lock()
	pos := s.positions[dev]
	s.mu.Unlock()
	ts := float64(s.now().UnixNano()) / float64(time.Second)
	return types.DeviceMessage{
		Signals:  map[string]types.Signal{dev: {Value: pos, Timestamp: ts}},
		Metadata: md,
	}
}

func (s *Server) writeReadback(ctx context.Context, dev string, md types.Metadata) error {
	b, err := bus.Marshal(s.reading(dev, md))
	if err != nil {
		return err
	}
	return s.bus.Set(ctx, bus.DeviceReadback(dev), b, 0)
}

func (s *Server) idle(ctx context.Context, dev string, md types.Metadata) error {
	return bus.SetAndPublishJSON(ctx, s.bus, bus.DeviceStatus(dev),
		types.DeviceStatusMessage{Device: dev, Status: types.DeviceIdle, Metadata: md})
}
