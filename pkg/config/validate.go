package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for invalid values. Zero durations are
// allowed and fall back to package defaults at construction time.
func (c *Config) Validate() error {
	if c.Session.DefaultDuration < 0 {
		return fmt.Errorf("session.default_duration must not be negative")
	}
	if c.Session.DefaultExtension < 0 {
		return fmt.Errorf("session.default_extension must not be negative")
	}
	if c.Session.SweepInterval < 0 {
		return fmt.Errorf("session.sweep_interval must not be negative")
	}
	if c.Discovery.StalenessWindow < 0 {
		return fmt.Errorf("discovery.staleness_window must not be negative")
	}
	if c.Discovery.BeaconPort < 0 || c.Discovery.BeaconPort > 65535 {
		return fmt.Errorf("discovery.beacon_port must be a valid port: %d", c.Discovery.BeaconPort)
	}
	if c.Connection.SendQueueSize < 0 {
		return fmt.Errorf("connection.send_queue_size must not be negative")
	}
	if c.Connection.DialMaxTries < 0 {
		return fmt.Errorf("connection.dial_max_tries must not be negative")
	}
	if c.Transfer.RequestTTL < 0 {
		return fmt.Errorf("transfer.request_ttl must not be negative")
	}
	if c.Transfer.SubmitMaxTries < 0 {
		return fmt.Errorf("transfer.submit_max_tries must not be negative")
	}
	if c.Chain.BaseURL != "" {
		u, err := url.Parse(c.Chain.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("chain.base_url must be a valid URL: %q", c.Chain.BaseURL)
		}
	}
	if c.Chain.BreakerThreshold < 0 {
		return fmt.Errorf("chain.breaker_threshold must not be negative")
	}
	return nil
}
