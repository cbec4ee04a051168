package anchorcfg

import (
	"errors"
	"fmt"
	"time"
)

var (
	// MinHealthCheckInterval is the minimum interval we allow between
	// health checks.
	MinHealthCheckInterval = time.Minute

	// MinHealthCheckTimeout is the minimum timeout we allow for health
	// check calls.
	MinHealthCheckTimeout = time.Second

	// MinHealthCheckBackoff is the minimum back off we allow between
	// health check retries.
	MinHealthCheckBackoff = time.Second
)

// HealthCheckConfig contains the configuration for the different health
// checks the daemon runs.
type HealthCheckConfig struct {
	ChainCheck *CheckConfig `group:"chainbackend" namespace:"chainbackend"`

	HaltCheck *CheckConfig `group:"halt" namespace:"halt"`
}

// Validate checks the values configured for our health checks.
func (h *HealthCheckConfig) Validate() error {
	if err := h.ChainCheck.validate("chain backend"); err != nil {
		return err
	}

	return h.HaltCheck.validate("halt")
}

// CheckConfig describes a single health check.
//
//nolint:lll
type CheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often to run a health check."`

	Attempts int `long:"attempts" description:"The number of calls we will make for the check before failing. Set this value to 0 to disable a check."`

	Timeout time.Duration `long:"timeout" description:"The amount of time we allow the health check to take before failing due to timeout."`

	Backoff time.Duration `long:"backoff" description:"The amount of time to back-off between failed health checks."`
}

// Enabled returns true if the check is configured to run.
func (c *CheckConfig) Enabled() bool {
	return c.Attempts != 0
}

// validate checks the values in a health check config entry if it is
// enabled.
func (c *CheckConfig) validate(name string) error {
	switch {
	case c.Attempts == 0:
		return nil

	case c.Attempts < 0:
		return errors.New("attempts must be positive")

	case c.Backoff < MinHealthCheckBackoff:
		return fmt.Errorf("%v backoff: %v below minimum: %v", name,
			c.Backoff, MinHealthCheckBackoff)

	case c.Timeout < MinHealthCheckTimeout:
		return fmt.Errorf("%v timeout: %v below minimum: %v", name,
			c.Timeout, MinHealthCheckTimeout)

	case c.Interval < MinHealthCheckInterval:
		return fmt.Errorf("%v interval: %v below minimum: %v", name,
			c.Interval, MinHealthCheckInterval)
	}

	return nil
}
