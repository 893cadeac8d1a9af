// ABOUTME: Crawler configuration: engine type names, link strategy order and limits
// ABOUTME: Loaded from YAML by the CLI and validated before a crawl starts

package crawler

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// LinkStrategy names a way of matching a managed wrapper to its native object.
type LinkStrategy string

const (
	// LinkByInstanceID reads the wrapper's instance-id field and looks the
	// native object up by id.
	LinkByInstanceID LinkStrategy = "instance-id"
	// LinkByCachedPtr reads the wrapper's cached native pointer and looks the
	// native object up by address.
	LinkByCachedPtr LinkStrategy = "cached-ptr"
)

// Config controls how a capture is crawled.
type Config struct {
	// EngineBaseType is the managed type every native-backed wrapper derives from.
	EngineBaseType  string         `yaml:"engine_base_type"`
	InstanceIDField string         `yaml:"instance_id_field"`
	CachedPtrField  string         `yaml:"cached_ptr_field"`
	LinkStrategies  []LinkStrategy `yaml:"link_strategies"`
	StringType      string         `yaml:"string_type"`
	// IgnoreBadHeaders silences the warning logged for every object whose
	// identity pointer does not resolve to a type.
	IgnoreBadHeaders  bool `yaml:"ignore_bad_headers"`
	MaxValueTypeDepth int  `yaml:"max_value_type_depth"`
}

// DefaultConfig returns the configuration for captures of the Unity runtime.
func DefaultConfig() Config {
	return Config{
		EngineBaseType:    "UnityEngine.Object",
		InstanceIDField:   "m_InstanceID",
		CachedPtrField:    "m_CachedPtr",
		LinkStrategies:    []LinkStrategy{LinkByInstanceID, LinkByCachedPtr},
		StringType:        "System.String",
		MaxValueTypeDepth: 64,
	}
}

// Validate checks the configuration for errors.
func (cfg *Config) Validate() error {
	var result *multierror.Error
	seen := make(map[LinkStrategy]bool, len(cfg.LinkStrategies))
	for _, s := range cfg.LinkStrategies {
		switch s {
		case LinkByInstanceID, LinkByCachedPtr:
		default:
			result = multierror.Append(result, errors.Errorf("unknown link strategy %q", s))
		}
		if seen[s] {
			result = multierror.Append(result, errors.Errorf("link strategy %q listed twice", s))
		}
		seen[s] = true
	}
	if len(cfg.LinkStrategies) > 0 && cfg.EngineBaseType == "" {
		result = multierror.Append(result, errors.New("engine base type is required when linking is enabled"))
	}
	if cfg.MaxValueTypeDepth <= 0 {
		result = multierror.Append(result, errors.Errorf("max value type depth must be positive, got %d", cfg.MaxValueTypeDepth))
	}
	return result.ErrorOrNil()
}
