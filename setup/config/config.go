// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the top-level cambium configuration, normally loaded from a
// YAML file via Load.
type Config struct {
	// Version of the configuration file scheme.
	Version int `yaml:"version"`

	Client   ClientAPI       `yaml:"client_api"`
	Database DatabaseOptions `yaml:"database"`
	Timeline TimelineOptions `yaml:"timeline"`
	Cache    CacheOptions    `yaml:"cache"`
	Logging  LoggingOptions  `yaml:"logging"`
}

const Version = 1

// Defaults sets sensible values for everything not required from the
// operator.
func (c *Config) Defaults() {
	c.Version = Version
	c.Client.Defaults()
	c.Database.Defaults()
	c.Timeline.Defaults()
	c.Cache.Defaults()
	c.Logging.Defaults()
}

// Verify collects every problem with the configuration rather than
// stopping at the first.
func (c *Config) Verify(configErrs *ConfigErrors) {
	if c.Version != Version {
		configErrs.Add(fmt.Sprintf("config version must be %d, found %d", Version, c.Version))
	}
	c.Client.Verify(configErrs)
	c.Database.Verify(configErrs)
	c.Timeline.Verify(configErrs)
	c.Cache.Verify(configErrs)
	c.Logging.Verify(configErrs)
}

// Load reads, defaults and verifies the configuration at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return loadConfig(data)
}

func loadConfig(data []byte) (*Config, error) {
	var c Config
	c.Defaults()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, err
	}
	var configErrs ConfigErrors
	c.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &c, nil
}

// ConfigErrors stores problems encountered when parsing a config file.
// It implements the error interface.
type ConfigErrors []string

// Add appends an error to the list of errors in this ConfigErrors.
func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

// Error returns a string detailing how many errors were contained within a
// ConfigErrors type.
func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf(
		"%s (and %d other problems)", errs[0], len(errs)-1,
	)
}

// checkNotEmpty verifies the given value is not empty in the configuration.
// If it is, adds an error to the list.
func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// checkPositive verifies the given value is positive in the configuration.
// If it is not, adds an error to the list.
func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value < 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
