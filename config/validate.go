package config

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

func validateInstanceID(fl validator.FieldLevel) bool {
	return instanceIDPattern.MatchString(fl.Field().String())
}

// Validate runs struct-tag field checks and then the cross-field
// invariants tags can't express: unique node names, and metrics and
// introspection not sharing one listener.
func Validate(cfg *Config) error {
	if err := cfgValidate.Struct(cfg); err != nil {
		return err
	}

	if cfg.Metrics.ListenAddr == cfg.Introspect.ListenAddr {
		return fmt.Errorf("metrics.listen_addr and introspect.listen_addr must differ, both are %q", cfg.Metrics.ListenAddr)
	}

	seen := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if seen[n.Name] {
			return fmt.Errorf("node %q declared more than once", n.Name)
		}
		seen[n.Name] = true
	}

	return nil
}
