package scanworker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"scanserver/internal/bus"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultQueueName       = "primary"
	defaultPollInterval    = 10 * time.Millisecond
	defaultPauseInterval   = 100 * time.Millisecond
	defaultGateInterval    = 100 * time.Millisecond
	defaultStatusRetention = 30 * time.Minute
)

// Config encapsulates the collaborators and tunables of a Worker.
type Config struct {
	QueueName    string
	Bus          bus.Connector
	Devices      DeviceRegistry
	Queue        Queue
	DeviceServer ReadinessGate // nil means always available
	Logger       *zerolog.Logger

	// PollInterval is the re-check interval of the wait/stage barriers.
	PollInterval time.Duration
	// PauseInterval is the re-check interval while paused.
	PauseInterval time.Duration
	// GateInterval is the re-check interval of the device server gate.
	GateInterval time.Duration
	// WaitTimeout bounds move/read barriers; zero waits forever.
	WaitTimeout time.Duration
	// StageTimeout bounds stage/unstage barriers; zero waits forever.
	StageTimeout time.Duration
	// StatusRetention is the expiry of terminal public scan info records.
	StatusRetention time.Duration

	Now func() time.Time
}

func (c *Config) applyDefaults() error {
	if c.Bus == nil {
		return errors.New("scanworker: bus is required")
	}
	if c.Devices == nil {
		return errors.New("scanworker: device registry is required")
	}
	if c.Queue == nil {
		return errors.New("scanworker: queue is required")
	}
	if c.QueueName == "" {
		c.QueueName = defaultQueueName
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PauseInterval <= 0 {
		c.PauseInterval = defaultPauseInterval
	}
	if c.GateInterval <= 0 {
		c.GateInterval = defaultGateInterval
	}
	if c.WaitTimeout < 0 {
		c.WaitTimeout = 0
	}
	if c.StageTimeout < 0 {
		c.StageTimeout = 0
	}
	if c.StatusRetention <= 0 {
		c.StatusRetention = defaultStatusRetention
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return nil
}
