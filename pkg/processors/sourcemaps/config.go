package sourcemaps

import (
	"time"
)

// DefaultConfig holds the default source map settings.
var DefaultConfig = Config{
	Download:            true,
	DownloadFromOrigins: []string{"*"},
	DownloadTimeout:     time.Second,
	CacheSize:           256,
}

// Config configures where source maps are loaded from.
type Config struct {
	Download            bool          `yaml:"download"`
	DownloadFromOrigins []string      `yaml:"download_from_origins,omitempty"`
	DownloadTimeout     time.Duration `yaml:"download_timeout,omitempty"`
	Locations           []Location    `yaml:"location,omitempty"`
	S3                  *S3Location   `yaml:"s3,omitempty"`
	CacheSize           int           `yaml:"cache_size,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultConfig
	type plain Config
	return unmarshal((*plain)(c))
}

// Location is a directory on the local filesystem holding source maps for
// files served under MinifiedPathPrefix. Path may contain {RELEASE}, which
// is replaced with the release of the event.
type Location struct {
	Path               string `yaml:"path"`
	MinifiedPathPrefix string `yaml:"minified_path_prefix"`
}

// S3Location is a bucket holding source maps, keyed by
// Prefix/<release>/<path below MinifiedPathPrefix>.map.
type S3Location struct {
	Bucket             string `yaml:"bucket"`
	Prefix             string `yaml:"prefix,omitempty"`
	MinifiedPathPrefix string `yaml:"minified_path_prefix"`
	Region             string `yaml:"region,omitempty"`
	// Endpoint enables path-style addressing for S3 compatible stores such
	// as MinIO.
	Endpoint string `yaml:"endpoint,omitempty"`
}
