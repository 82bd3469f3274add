package motionpipeline

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

// Config configures one Pipeline, following the teacher's Config+Validate
// shape.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	TargetHz    int // motion-pipeline scheduler rate: 100, 200, or 400
	RawDeviceHz int // assumed raw IMU notification rate, for staleness checks

	Joints []JointConfig

	// RingBufferCapacity bounds the per-device sample history; must hold at
	// least two raw periods per target period (spec §4.7).
	RingBufferCapacity int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	switch c.TargetHz {
	case 0:
		c.TargetHz = 100
	case 100, 200, 400:
	default:
		return fmt.Errorf("target_hz must be one of 100, 200, 400, got %d", c.TargetHz)
	}
	if c.RawDeviceHz <= 0 {
		c.RawDeviceHz = 100
	}
	if len(c.Joints) == 0 {
		return errors.New("at least one joint must be configured")
	}
	if c.RingBufferCapacity <= 0 {
		c.RingBufferCapacity = 64
	}
	return nil
}
