package receiver

import (
	"github.com/alecthomas/units"
)

// Defaults for the HTTP server.
var (
	DefaultServerConfig = ServerConfig{
		Host:                  "127.0.0.1",
		Port:                  12350,
		RateLimiting:          DefaultRateLimitingConfig,
		MaxAllowedPayloadSize: 5 * units.MiB,
	}

	DefaultRateLimitingConfig = RateLimitingConfig{
		Enabled:   true,
		Rate:      50,
		BurstSize: 100,
	}
)

// ServerConfig configures the HTTP server events are sent to.
type ServerConfig struct {
	Host                  string           `yaml:"listen_address,omitempty"`
	Port                  int              `yaml:"listen_port,omitempty"`
	CORSAllowedOrigins    []string         `yaml:"cors_allowed_origins,omitempty"`
	APIKey                string           `yaml:"api_key,omitempty"`
	MaxAllowedPayloadSize units.Base2Bytes `yaml:"max_allowed_payload_size,omitempty"`

	RateLimiting RateLimitingConfig `yaml:"rate_limiting,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *ServerConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultServerConfig
	type plain ServerConfig
	return unmarshal((*plain)(c))
}

// RateLimitingConfig configures rate limiting for the HTTP server.
type RateLimitingConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Rate      float64 `yaml:"rate,omitempty"`
	BurstSize float64 `yaml:"burst_size,omitempty"`
}
