// ABOUTME: Inspector configuration: listen address and default page size
// ABOUTME: Loaded from the server section of the CLI config file

package inspect

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Config controls the HTTP inspector.
type Config struct {
	ListenAddress string `yaml:"listen_address"`
	// PageSize is the number of list items returned when a request sets no limit.
	PageSize int `yaml:"page_size"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddress: ":4041",
		PageSize:      100,
	}
}

func (cfg *Config) Validate() error {
	var result *multierror.Error
	if cfg.ListenAddress == "" {
		result = multierror.Append(result, errors.New("listen address is required"))
	}
	if cfg.PageSize <= 0 {
		result = multierror.Append(result, errors.Errorf("page size must be positive, got %d", cfg.PageSize))
	}
	return result.ErrorOrNil()
}
