package jobpool

import (
	"runtime"
	"time"
)

// Default values applied by FillDefaults.
const (
	DefaultJobTimeout              = 5 * time.Minute
	DefaultIdleSlotTimeout         = 60 * time.Second
	DefaultDispatchInterval        = 100 * time.Millisecond
	DefaultReapInterval            = time.Second
	DefaultTerminalRetention       = time.Hour
	DefaultEventBuffer             = 256
	DefaultProgressEventsPerSecond = 10
	DefaultShutdownWait            = 5 * time.Second
)

// Config configures a Pool.
//
// Zero values are replaced with defaults in FillDefaults. A negative
// IdleSlotTimeout keeps idle slots forever; a negative TerminalRetention
// keeps terminal jobs until they are evicted explicitly. A negative
// ProgressEventsPerSecond disables progress event throttling.
type Config struct {
	MaxWorkers      int           `yaml:"max_workers"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	IdleSlotTimeout time.Duration `yaml:"idle_slot_timeout"`
	Tiers           TierMap       `yaml:"tiers"`

	DispatchInterval        time.Duration `yaml:"dispatch_interval"`
	ReapInterval            time.Duration `yaml:"reap_interval"`
	TerminalRetention       time.Duration `yaml:"terminal_retention"`
	EventBuffer             int           `yaml:"event_buffer"`
	ProgressEventsPerSecond float64       `yaml:"progress_events_per_second"`
	ShutdownWait            time.Duration `yaml:"shutdown_wait"`
}

// DefaultMaxWorkers returns host parallelism minus one, at least one.
func DefaultMaxWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		return 1
	}
	return n
}

// FillDefaults replaces zero values with defaults.
func (c *Config) FillDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers()
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.IdleSlotTimeout == 0 {
		c.IdleSlotTimeout = DefaultIdleSlotTimeout
	}
	if len(c.Tiers) == 0 {
		c.Tiers = DefaultTierMap()
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = DefaultDispatchInterval
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.TerminalRetention == 0 {
		c.TerminalRetention = DefaultTerminalRetention
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.ProgressEventsPerSecond == 0 {
		c.ProgressEventsPerSecond = DefaultProgressEventsPerSecond
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = DefaultShutdownWait
	}
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var c Config
	c.FillDefaults()
	return c
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
