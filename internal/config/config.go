package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Disabled is the COMBINER_THRESHOLD value that turns combining off
const Disabled = math.MaxInt

// Config holds every tunable of the Boss and the workers
type Config struct {
	// CombinerThreshold is filled from COMBINER_THRESHOLD by FromEnv, which
	// accepts the disabled spellings as well as integers.
	CombinerThreshold int
	HotKeyThreshold   int `env:"HOT_KEY_THRESHOLD" envDefault:"100"`
	BatchSize         int `env:"BATCH_SIZE" envDefault:"20000"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"1s"`
	TaskTimeout       time.Duration `env:"TASK_TIMEOUT" envDefault:"10s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"500ms"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	MaxTaskRetries    int           `env:"MAX_TASK_RETRIES" envDefault:"3"`
	JobRetention      time.Duration `env:"JOB_RETENTION" envDefault:"10m"`

	StorageRoot        string `env:"STORAGE_ROOT" envDefault:"/tmp/combinemr"`
	IntermediatePrefix string `env:"INTERMEDIATE_PREFIX" envDefault:"intermediate"`

	LogLevel          string `env:"LOG_LEVEL" envDefault:"INFO"`
	DeadlockDetection bool   `env:"DEADLOCK_DETECTION" envDefault:"false"`
}

type threshold int

// settings is what env fills: the Config itself plus fields needing custom parsing
type settings struct {
	Config
	Threshold threshold `env:"COMBINER_THRESHOLD" envDefault:"10000"`
}

var parsers = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(threshold(0)): func(v string) (interface{}, error) {
		n, err := ParseThreshold(v)
		return threshold(n), err
	},
}

func parse(environ map[string]string) (Config, error) {
	var s settings
	err := env.ParseWithOptions(&s, env.Options{Environment: environ, FuncMap: parsers})
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg := s.Config
	cfg.CombinerThreshold = int(s.Threshold)
	return cfg, nil
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	cfg, err := parse(map[string]string{})
	if err != nil {
		panic(err)
	}
	return cfg
}

// FromEnv overlays environ onto the defaults and validates the result.
// A nil environ reads the process environment.
func FromEnv(environ map[string]string) (Config, error) {
	cfg, err := parse(environ)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Load reads the configuration from the process environment
func Load() (Config, error) {
	return FromEnv(nil)
}

// ParseThreshold accepts an integer or one of "off", "inf", "never"; negative values also disable combining
func ParseThreshold(v string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "off", "inf", "infinity", "never":
		return Disabled, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid COMBINER_THRESHOLD %q: %w", v, err)
	}
	if n < 0 {
		return Disabled, nil
	}
	return n, nil
}

// Validate checks the cross-field constraints
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("BATCH_SIZE must be >= 1, got %d", c.BatchSize)
	}
	if c.HotKeyThreshold < 0 {
		return fmt.Errorf("HOT_KEY_THRESHOLD must be >= 0, got %d", c.HotKeyThreshold)
	}
	if c.CombinerThreshold < 0 {
		return fmt.Errorf("COMBINER_THRESHOLD must be >= 0, got %d", c.CombinerThreshold)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.TaskTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("TASK_TIMEOUT (%s) must exceed HEARTBEAT_INTERVAL (%s)", c.TaskTimeout, c.HeartbeatInterval)
	}
	if c.SweepInterval <= 0 || c.SweepInterval >= c.TaskTimeout {
		return fmt.Errorf("SWEEP_INTERVAL (%s) must be positive and below TASK_TIMEOUT (%s)", c.SweepInterval, c.TaskTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.MaxTaskRetries < 0 {
		return fmt.Errorf("MAX_TASK_RETRIES must be >= 0, got %d", c.MaxTaskRetries)
	}
	if c.IntermediatePrefix == "" {
		return fmt.Errorf("INTERMEDIATE_PREFIX cannot be empty")
	}
	return nil
}

// CombiningEnabled reports whether any batch could ever be combined
func (c Config) CombiningEnabled() bool {
	return c.CombinerThreshold != Disabled
}
