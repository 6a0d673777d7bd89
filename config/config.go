// Package config loads and validates the YAML file a graphcored
// instance starts from: instance identity, the quantum size the
// scheduler writes into every cycle's position block, a driver clock
// rate (validated here but not read by core, whose drivers tick at a
// fixed 60 Hz), the debug HTTP listeners for metrics and introspection, and
// the static set of nodes to register at startup.
//
// Grounded in the teacher's internal/config package: Load reads a
// file and unmarshals with gopkg.in/yaml.v3 exactly as
// internal/config/config.go does, and a hand-written Validate pass
// (internal/config/validator.go's ROI cross-reference checks) catches
// invariants struct tags can't express. Unlike the teacher, field-level
// checks (non-empty, pattern, range) are declared with
// go-playground/validator/v10 struct tags instead of hand rolled
// if-checks, following jinterlante1206-AleutianLocal's chatValidate
// usage of the same library.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete startup configuration for a graphcored
// instance.
type Config struct {
	InstanceID string `yaml:"instance_id" validate:"required,instanceid"`

	// QuantumSize is the fixed sample/frame count graphcore writes
	// into every driver's position block each cycle. Not derived from
	// any backend's native rate; see DESIGN.md.
	QuantumSize uint32 `yaml:"quantum_size" validate:"required,gt=0"`

	// DriverHz is a driver tick rate. It is validated but not passed to
	// core: every driver is ticked by core.clockFor at a fixed 60 Hz
	// regardless of this value.
	DriverHz float64 `yaml:"driver_hz" validate:"required,gt=0"`

	ShutdownTimeoutS int `yaml:"shutdown_timeout_s"` // default: 5

	Metrics    ListenConfig `yaml:"metrics"`
	Introspect ListenConfig `yaml:"introspect"`

	Nodes []NodeConfig `yaml:"nodes"`
}

// ListenConfig names a debug HTTP listener address.
type ListenConfig struct {
	ListenAddr string `yaml:"listen_addr" validate:"required,hostname_port"`
}

// NodeConfig declares one node to register at startup. Ports and
// links are not declared statically: ports are created with
// node.Node.AddPort and links through core, both at runtime after the
// node is registered.
type NodeConfig struct {
	Name        string            `yaml:"name" validate:"required"`
	WantsDriver bool              `yaml:"wants_driver"`
	Props       map[string]string `yaml:"props"`
}

var cfgValidate *validator.Validate

func init() {
	cfgValidate = validator.New()
	_ = cfgValidate.RegisterValidation("instanceid", validateInstanceID)
}

// Load reads path, unmarshals it as YAML, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = "127.0.0.1:9090"
	}
	if cfg.Introspect.ListenAddr == "" {
		cfg.Introspect.ListenAddr = "127.0.0.1:9091"
	}
}
