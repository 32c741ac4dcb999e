// Copyright (c) 2021 Siemens AG
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
//
// Author(s): Jonas Plum

package memproc

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// AutorunConfig selects the plugins run unattended after session creation.
type AutorunConfig struct {
	Enabled bool     `yaml:"enabled"`
	Plugins []string `yaml:"plugins"`
}

// EngineConfig configures the external analysis engine invocation.
type EngineConfig struct {
	Binary  string `yaml:"binary"`
	Timeout string `yaml:"timeout"`
}

// Config is the pipeline configuration. It is read once and passed to the
// scheduler and executor at construction time.
type Config struct {
	Autorun AutorunConfig `yaml:"autorun"`
	// DropPlugins are plugin names this pipeline cannot handle; they are
	// filtered from every catalog listing.
	DropPlugins []string `yaml:"drop_plugins"`
	// Workers is the background job worker count.
	Workers int `yaml:"workers"`
	// ReapAfter marks runs stuck in processing as failed once their
	// heartbeat is older than this duration, e.g. "2h". Empty or "0"
	// disables the reaper.
	ReapAfter string       `yaml:"reap_after"`
	Engine    EngineConfig `yaml:"engine"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Autorun: AutorunConfig{
			Enabled: false,
			Plugins: []string{"imageinfo", "pslist", "netscan"},
		},
		DropPlugins: []string{
			"crashinfo", "hibinfo", "imagecopy", "machoinfo", "mbrparser",
			"patcher", "raw2dmp", "vboxinfo", "vmwareinfo",
		},
		Workers:   4,
		ReapAfter: "2h",
		Engine:    EngineConfig{Binary: "vol.py", Timeout: "0"},
	}
}

// LoadConfig reads a yaml configuration file. Missing fields keep their
// defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not read config")
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	return config, nil
}

// DropSet returns the drop filter as a set.
func (c *Config) DropSet() map[string]bool {
	drop := map[string]bool{}
	for _, name := range c.DropPlugins {
		drop[name] = true
	}
	return drop
}

// ReapInterval parses ReapAfter. Zero disables reaping.
func (c *Config) ReapInterval() (time.Duration, error) {
	if c.ReapAfter == "" || c.ReapAfter == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.ReapAfter)
	if err != nil {
		return 0, errors.Wrap(err, "invalid reap_after")
	}
	return d, nil
}

// EngineTimeout parses the engine timeout. Zero means no timeout.
func (c *Config) EngineTimeout() (time.Duration, error) {
	if c.Engine.Timeout == "" || c.Engine.Timeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Engine.Timeout)
	if err != nil {
		return 0, errors.Wrap(err, "invalid engine timeout")
	}
	return d, nil
}
