package configuration

import (
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

func (c PgmonConfiguration) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	// Running with no discovery at all would silently collect nothing, so it
	// is rejected at startup rather than tolerated.
	if len(c.Discovery.Static) == 0 && c.Discovery.Url == "" {
		return errors.New("no discovery configured: set discovery.static or discovery.url")
	}
	if len(c.Discovery.Static) > 0 && c.Discovery.Url != "" {
		return errors.New("discovery.static and discovery.url are mutually exclusive")
	}
	if c.Discovery.Url != "" && c.Discovery.PollInterval <= 0 {
		return errors.New("discovery.pollInterval must be positive when discovery.url is set")
	}
	if c.Bootstrap.Enabled && c.Bootstrap.Role == "" {
		return errors.New("bootstrap.role is required when bootstrap is enabled")
	}
	return nil
}
