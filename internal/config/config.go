package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the configuration file used by the process-wide engine.
const EnvConfig = "CLINTERCEPT_CONFIG"

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	CallLogging struct {
		Enabled bool `yaml:"enabled"`
		// File receives call log lines; empty means stderr.
		File string `yaml:"file"`
	} `yaml:"callLogging"`
	Timing struct {
		CPU         bool `yaml:"cpu"`
		Device      bool `yaml:"device"`
		Synchronous bool `yaml:"synchronous"`
		MaxSamples  int  `yaml:"maxSamples"`
	} `yaml:"timing"`
	LeakChecking struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"leakChecking"`
	ProgramCache struct {
		Directory string        `yaml:"directory"`
		Dump      bool          `yaml:"dump"`
		Inject    bool          `yaml:"inject"`
		MemoSize  int           `yaml:"memoSize"`
		MemoTTL   time.Duration `yaml:"memoTTL"`
	} `yaml:"programCache"`
	Overrides struct {
		CopyBuffer  bool     `yaml:"copyBuffer"`
		Kernels     bool     `yaml:"kernels"`
		KernelNames []string `yaml:"kernelNames"`
	} `yaml:"overrides"`
	Errors struct {
		Check bool `yaml:"check"`
		Abort bool `yaml:"abort"`
	} `yaml:"errors"`
	Report struct {
		Directory string `yaml:"directory"`
		Banner    bool   `yaml:"banner"`
	} `yaml:"report"`
	Metrics struct {
		Enabled   bool   `yaml:"enabled"`
		Namespace string `yaml:"namespace"`
		// Listen serves /metrics while the process runs when set.
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"serviceName"`
		// Endpoint is an OTLP/HTTP collector address; spans are discarded
		// when it is empty.
		Endpoint string `yaml:"endpoint"`
	} `yaml:"tracing"`
}

// Default returns the configuration used when no file is given: every
// instrumentation concern is off and calls pass straight through.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Timing.MaxSamples = 4096
	c.ProgramCache.MemoSize = 64
	c.ProgramCache.MemoTTL = 10 * time.Minute
	c.Metrics.Namespace = "clintercept"
	c.Tracing.ServiceName = "clintercept"
	return &c
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// FromEnv loads the file named by CLINTERCEPT_CONFIG, or the defaults when
// the variable is unset.
func FromEnv() (*Config, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return Default(), nil
	}
	return LoadConfig(path)
}

// Instrumented reports whether any concern is enabled.
func (c *Config) Instrumented() bool {
	return c.CallLogging.Enabled || c.Timing.CPU || c.Timing.Device || c.LeakChecking.Enabled ||
		c.ProgramCache.Dump || c.ProgramCache.Inject || c.Overrides.CopyBuffer || c.Overrides.Kernels ||
		c.Errors.Check || c.Errors.Abort || c.Metrics.Enabled || c.Tracing.Enabled
}
