// Copyright 2021 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rqconfig holds the small slice of reducer configuration this
// module owns directly: page size, retry/poll timing. The broader
// CLI/config surface is an external collaborator.
package rqconfig

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// RetryTimeoutEnvVar is the environment variable that overrides the
// default retry-loop budget, mirroring how a distributed SQL engine
// externalizes its query retry window.
const RetryTimeoutEnvVar = "MO_REDUCE_RETRY_TIMEOUT_MS"

const (
	DefaultRetryTimeoutMs  = 30_000
	DefaultPollIntervalMs  = 500
	DefaultPageSize        = 1024
)

// Config is the reducer's static configuration.
type Config struct {
	PageSize           int  `toml:"page_size"`
	RetryTimeoutMillis int  `toml:"retry_timeout_ms"`
	PollIntervalMillis int  `toml:"poll_interval_ms"`
	EnforceJoinOrder   bool `toml:"enforce_join_order"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		PageSize:           DefaultPageSize,
		RetryTimeoutMillis: DefaultRetryTimeoutMs,
		PollIntervalMillis: DefaultPollIntervalMs,
		EnforceJoinOrder:   true,
	}
}

// Load decodes a TOML configuration file, filling in defaults for any
// field the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = DefaultPollIntervalMs
	}
	return cfg, nil
}

// ApplyEnv overlays the retry-timeout environment override on top of
// whatever was loaded from file/defaults.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(RetryTimeoutEnvVar); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.RetryTimeoutMillis = ms
		}
	}
}

// RetryTimeoutMs resolves the effective retry budget for a single query:
// an explicit per-query timeout wins, otherwise the configured/overridden
// default is used.
func (c *Config) RetryTimeoutMs(queryTimeoutMs int64) int64 {
	if queryTimeoutMs > 0 {
		return queryTimeoutMs
	}
	if c.RetryTimeoutMillis > 0 {
		return int64(c.RetryTimeoutMillis)
	}
	return DefaultRetryTimeoutMs
}
