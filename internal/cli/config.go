package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/tierpool/internal/worker"
	"github.com/ChuLiYu/tierpool/pkg/jobpool"
	"github.com/ChuLiYu/tierpool/pkg/types"
)

// Config represents the complete process configuration.
// Maps config file fields through YAML tags.
type Config struct {
	Pool jobpool.Config `yaml:"pool"`

	// Handlers maps job kinds to the handler that runs them.
	Handlers map[string]HandlerConfig `yaml:"handlers"`

	GRPC struct {
		Enabled     bool   `yaml:"enabled"`
		Addr        string `yaml:"addr"`
		WatchBuffer int    `yaml:"watch_buffer"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Stream struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Path    string `yaml:"path"`
	} `yaml:"stream"`

	Journal struct {
		Enabled       bool          `yaml:"enabled"`
		Path          string        `yaml:"path"`
		BufferSize    int           `yaml:"buffer_size"`
		FlushInterval time.Duration `yaml:"flush_interval"`
		Sync          bool          `yaml:"sync"`
	} `yaml:"journal"`

	Snapshot struct {
		Enabled     bool          `yaml:"enabled"`
		Path        string        `yaml:"path"`
		Interval    time.Duration `yaml:"interval"`
		KeepBackups int           `yaml:"keep_backups"`
	} `yaml:"snapshot"`

	Postgres struct {
		Enabled        bool   `yaml:"enabled"`
		DSN            string `yaml:"dsn"`
		Migrate        bool   `yaml:"migrate"`
		EvictPersisted bool   `yaml:"evict_persisted"`
	} `yaml:"postgres"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// HandlerConfig describes the handler for one job kind.
//
//	type: process    runs Command per job (see worker.ProcessHandler)
//	type: simulated  sleeps for Duration and reports Steps progress updates
type HandlerConfig struct {
	Type string `yaml:"type"`

	Command   string        `yaml:"command"`
	Args      []string      `yaml:"args"`
	Env       []string      `yaml:"env"`
	Dir       string        `yaml:"dir"`
	WaitDelay time.Duration `yaml:"wait_delay"`

	Duration    time.Duration `yaml:"duration"`
	Jitter      time.Duration `yaml:"jitter"`
	Steps       int           `yaml:"steps"`
	FailureRate float64       `yaml:"failure_rate"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.fillDefaults()
	return &cfg, nil
}

func (c *Config) fillDefaults() {
	c.Pool.FillDefaults()
	if c.GRPC.Addr == "" {
		c.GRPC.Addr = ":50051"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Stream.Addr == "" {
		c.Stream.Addr = ":8080"
	}
	if c.Stream.Path == "" {
		c.Stream.Path = "/ws"
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/events.jsonl"
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "data/report.json"
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// buildRegistry creates one handler per configured kind.
func (c *Config) buildRegistry() (*jobpool.Registry, error) {
	reg := jobpool.NewRegistry()
	for kind, hc := range c.Handlers {
		h, err := hc.build()
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", kind, err)
		}
		if err := reg.Register(types.JobKind(kind), h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (hc HandlerConfig) build() (jobpool.Handler, error) {
	switch strings.ToLower(hc.Type) {
	case "process":
		if hc.Command == "" {
			return nil, fmt.Errorf("process handler needs a command")
		}
		return &worker.ProcessHandler{
			Command:   hc.Command,
			Args:      hc.Args,
			Env:       hc.Env,
			Dir:       hc.Dir,
			WaitDelay: hc.WaitDelay,
		}, nil
	case "simulated", "":
		if hc.FailureRate < 0 || hc.FailureRate > 1 {
			return nil, fmt.Errorf("failure_rate must be between 0 and 1")
		}
		return &worker.SimulatedHandler{
			Duration:    hc.Duration,
			Jitter:      hc.Jitter,
			Steps:       hc.Steps,
			FailureRate: hc.FailureRate,
		}, nil
	default:
		return nil, fmt.Errorf("unknown handler type %q", hc.Type)
	}
}

// newLogger builds the root logger from the log section.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
