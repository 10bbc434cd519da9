// Package config loads the stackproc configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"unicode"

	"github.com/drone/envsubst/v2"
	"github.com/grafana/stackproc/pkg/logging"
	"github.com/grafana/stackproc/pkg/processors/inapp"
	"github.com/grafana/stackproc/pkg/processors/sourcemaps"
	"github.com/grafana/stackproc/pkg/project"
	"github.com/grafana/stackproc/pkg/queue"
	"github.com/grafana/stackproc/pkg/receiver"
	"github.com/grafana/stackproc/pkg/stacktraces"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// DefaultConfig holds default settings for all the subsystems.
var DefaultConfig = Config{
	Log:        logging.DefaultOptions,
	Server:     receiver.DefaultServerConfig,
	Processing: DefaultProcessingConfig,
	Projects:   DefaultProjectsConfig,
	SourceMaps: sourcemaps.DefaultConfig,
	Queue:      queue.DefaultConfig,
}

// Config is the root of the configuration file.
type Config struct {
	Log        logging.Options       `yaml:",inline"`
	Server     receiver.ServerConfig `yaml:"server,omitempty"`
	Processing ProcessingConfig      `yaml:"processing,omitempty"`
	Projects   ProjectsConfig        `yaml:"projects,omitempty"`
	SourceMaps sourcemaps.Config     `yaml:"sourcemaps,omitempty"`
	InApp      inapp.Config          `yaml:"inapp,omitempty"`
	Queue      queue.Config          `yaml:"queue,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultConfig
	type plain Config
	return unmarshal((*plain)(c))
}

// DefaultProcessingConfig runs source maps before in-app classification.
// The first processor claiming a frame wins, so with the opposite order
// JavaScript frames matching an in-app pattern would never be mapped.
var DefaultProcessingConfig = ProcessingConfig{
	Processors:  []string{sourcemaps.Name, inapp.Name},
	MetricKeys:  stacktraces.DefaultMetricKeys.Platforms,
	FallbackKey: stacktraces.DefaultMetricKeys.Fallback,
}

// ProcessingConfig configures the processing pipeline.
type ProcessingConfig struct {
	// Processors lists the plugins to run, in order. An empty list runs all
	// registered plugins.
	Processors []string `yaml:"processors"`

	// MetricKeys maps a platform to the key processing time is reported
	// under. A configured table replaces the default one.
	MetricKeys  map[string]string `yaml:"metric_keys,omitempty"`
	FallbackKey string            `yaml:"fallback_key,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *ProcessingConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = DefaultProcessingConfig
	c.MetricKeys = nil

	type plain ProcessingConfig
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	if c.MetricKeys == nil {
		c.MetricKeys = make(map[string]string, len(DefaultProcessingConfig.MetricKeys))
		for platform, key := range DefaultProcessingConfig.MetricKeys {
			c.MetricKeys[platform] = key
		}
	}
	return nil
}

// Keys returns the metric key table.
func (c ProcessingConfig) Keys() stacktraces.MetricKeys {
	return stacktraces.MetricKeys{Platforms: c.MetricKeys, Fallback: c.FallbackKey}
}

// DefaultProjectsConfig holds the default project lookup settings.
var DefaultProjectsConfig = ProjectsConfig{
	CacheSize: 1024,
}

// ProjectsConfig configures where projects are looked up. Exactly one of
// DatabaseURL and Static must be set.
type ProjectsConfig struct {
	CacheSize   int               `yaml:"cache_size,omitempty"`
	DatabaseURL string            `yaml:"database_url,omitempty"`
	Static      []project.Project `yaml:"static,omitempty"`
}

// Validate returns every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("server: invalid listen_port %d", c.Server.Port))
	}
	if rl := c.Server.RateLimiting; rl.Enabled && (rl.Rate <= 0 || rl.BurstSize < 1) {
		errs = multierror.Append(errs, errors.New("server: rate_limiting needs a positive rate and a burst_size of at least 1"))
	}

	seen := make(map[string]bool, len(c.Processing.Processors))
	for _, name := range c.Processing.Processors {
		if seen[name] {
			errs = multierror.Append(errs, fmt.Errorf("processing: processor %q listed more than once", name))
		}
		seen[name] = true
	}
	if c.Processing.FallbackKey == "" {
		errs = multierror.Append(errs, errors.New("processing: fallback_key must not be empty"))
	}

	switch {
	case c.Projects.DatabaseURL == "" && len(c.Projects.Static) == 0:
		errs = multierror.Append(errs, errors.New("projects: either database_url or static must be set"))
	case c.Projects.DatabaseURL != "" && len(c.Projects.Static) > 0:
		errs = multierror.Append(errs, errors.New("projects: database_url and static are mutually exclusive"))
	}
	ids := make(map[int64]bool, len(c.Projects.Static))
	for _, p := range c.Projects.Static {
		if p.ID <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("projects: project %q has invalid id %d", p.Slug, p.ID))
		}
		if ids[p.ID] {
			errs = multierror.Append(errs, fmt.Errorf("projects: duplicate project id %d", p.ID))
		}
		ids[p.ID] = true
	}

	for i, loc := range c.SourceMaps.Locations {
		if loc.Path == "" {
			errs = multierror.Append(errs, fmt.Errorf("sourcemaps: location %d has no path", i))
		}
	}
	if s3 := c.SourceMaps.S3; s3 != nil && s3.Bucket == "" {
		errs = multierror.Append(errs, errors.New("sourcemaps: s3 bucket must not be empty"))
	}
	if c.SourceMaps.DownloadTimeout < 0 {
		errs = multierror.Append(errs, errors.New("sourcemaps: download_timeout must not be negative"))
	}

	if c.Queue.Enabled() {
		switch {
		case c.Queue.InputSubject == "" || c.Queue.OutputSubject == "":
			errs = multierror.Append(errs, errors.New("queue: input_subject and output_subject must be set"))
		case c.Queue.InputSubject == c.Queue.OutputSubject:
			errs = multierror.Append(errs, errors.New("queue: input_subject and output_subject must differ"))
		}
	}

	return errs.ErrorOrNil()
}

// LoadFile reads a file and passes the contents to LoadBytes.
func LoadFile(filename string, expandEnvVars bool, c *Config) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file %w", err)
	}
	return LoadBytes(buf, expandEnvVars, c)
}

// LoadBytes unmarshals a config from a buffer. Unset fields keep their
// defaults, so an empty document yields DefaultConfig.
func LoadBytes(buf []byte, expandEnvVars bool, c *Config) error {
	// (Optionally) expand with environment variables
	if expandEnvVars {
		s, err := envsubst.Eval(string(buf), getenv)
		if err != nil {
			return fmt.Errorf("unable to substitute config with environment variables: %w", err)
		}
		buf = []byte(s)
	}

	*c = DefaultConfig
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// getenv is a wrapper around os.Getenv that ignores patterns that are numeric
// regex capture groups (ie "${1}").
func getenv(name string) string {
	numericName := true

	for _, r := range name {
		if !unicode.IsDigit(r) {
			numericName = false
			break
		}
	}

	if numericName {
		// We need to add ${} back in since envsubst removes it.
		return fmt.Sprintf("${%s}", name)
	}
	return os.Getenv(name)
}
