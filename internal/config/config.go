// Package config loads prefork's settings from flags, PREFORK_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dreamware/prefork/internal/distributor"
	"github.com/dreamware/prefork/internal/log"
	"github.com/dreamware/prefork/internal/worker"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Isolation selects how workers are separated from the coordinator.
type Isolation string

const (
	IsolationProcess   Isolation = "process"
	IsolationGoroutine Isolation = "goroutine"
)

// Keys used in viper, flags, YAML and (upper-cased, prefixed) env vars.
const (
	KeyAddr           = "addr"
	KeyWorkers        = "workers"
	KeyReportInterval = "report_interval"
	KeyDistribution   = "distribution"
	KeyIsolation      = "isolation"
	KeyResponse       = "response"
	KeyStatusAddr     = "status_addr"
	KeyLogLevel       = "log_level"
	KeyLogFile        = "log_file"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "PREFORK"

// Config is the effective configuration of a coordinator.
type Config struct {
	Addr           string        `yaml:"addr"`
	Distribution   string        `yaml:"distribution"`
	Isolation      string        `yaml:"isolation"`
	Response       string        `yaml:"response"`
	StatusAddr     string        `yaml:"status_addr"`
	LogLevel       string        `yaml:"log_level"`
	LogFile        string        `yaml:"log_file"`
	ReportInterval time.Duration `yaml:"-"`
	Workers        int           `yaml:"workers"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, ":8000")
	v.SetDefault(KeyWorkers, 0)
	v.SetDefault(KeyReportInterval, time.Second)
	v.SetDefault(KeyDistribution, string(distributor.ModeKernel))
	v.SetDefault(KeyIsolation, string(IsolationProcess))
	v.SetDefault(KeyResponse, worker.DefaultResponse)
	v.SetDefault(KeyStatusAddr, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
}

// BindFlags registers the coordinator flags on fs and binds them to v.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	fs.String(KeyAddr, ":8000", "shared listening address")
	fs.Int(KeyWorkers, 0, "number of workers (0 = number of CPUs)")
	fs.Duration(KeyReportInterval, time.Second, "interval between request count reports")
	fs.String(KeyDistribution, string(distributor.ModeKernel), "connection fan-out: kernel, shared or roundrobin")
	fs.String(KeyIsolation, string(IsolationProcess), "worker isolation: process or goroutine")
	fs.String(KeyResponse, worker.DefaultResponse, "fixed response body")
	fs.String(KeyStatusAddr, "", "address of the status API (empty disables it)")
	fs.String(KeyLogLevel, "info", "log level: debug, info, warn, error")
	fs.String(KeyLogFile, "", "write logs to this file instead of stderr")

	for _, key := range []string{
		KeyAddr, KeyWorkers, KeyReportInterval, KeyDistribution, KeyIsolation,
		KeyResponse, KeyStatusAddr, KeyLogLevel, KeyLogFile,
	} {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return fmt.Errorf("bind flag %s: %w", key, err)
		}
	}
	return nil
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file and returns the validated Config.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
		log.Info(log.CatConfig, "config file loaded", "path", file)
	}

	cfg := Config{
		Addr:           v.GetString(KeyAddr),
		Workers:        v.GetInt(KeyWorkers),
		ReportInterval: v.GetDuration(KeyReportInterval),
		Distribution:   v.GetString(KeyDistribution),
		Isolation:      v.GetString(KeyIsolation),
		Response:       v.GetString(KeyResponse),
		StatusAddr:     v.GetString(KeyStatusAddr),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFile:        v.GetString(KeyLogFile),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg and normalises mode names.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr must not be empty", ErrInvalid)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0, got %d", ErrInvalid, c.Workers)
	}
	if c.ReportInterval <= 0 {
		return fmt.Errorf("%w: report_interval must be positive, got %s", ErrInvalid, c.ReportInterval)
	}
	mode, err := distributor.ParseMode(c.Distribution)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c.Distribution = string(mode)

	switch Isolation(strings.ToLower(c.Isolation)) {
	case IsolationProcess, IsolationGoroutine:
		c.Isolation = strings.ToLower(c.Isolation)
	default:
		return fmt.Errorf("%w: unknown isolation %q", ErrInvalid, c.Isolation)
	}
	if _, ok := log.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.LogLevel)
	}
	return nil
}

// WorkerCount resolves the configured count, falling back to host parallelism.
func (c Config) WorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return runtime.NumCPU()
}

// Mode returns the validated distribution mode.
func (c Config) Mode() distributor.Mode {
	return distributor.Mode(c.Distribution)
}

// MarshalYAML renders the report interval as a duration string so the output
// can be fed back through --config.
func (c Config) MarshalYAML() (any, error) {
	type plain Config
	return struct {
		plain          `yaml:",inline"`
		ReportInterval string `yaml:"report_interval"`
	}{plain: plain(c), ReportInterval: c.ReportInterval.String()}, nil
}
