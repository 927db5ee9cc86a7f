// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package config defines the on-disk YAML configuration for
// clientcored, following dendrite's setup/config convention of one
// struct per component, tagged for gopkg.in/yaml.v2 and assembled under
// a single top-level root.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/element-hq/matrix-client-core/internal/logging"
)

// Global holds settings shared across both components, mirroring
// dendrite's config.Global (homeserver URL, access token, device id).
type Global struct {
	HomeserverURL      string `yaml:"homeserver_url"`
	AccessToken        string `yaml:"access_token"`
	RequestingDeviceID string `yaml:"requesting_device_id"`
}

// SlidingSync holds the sliding sync engine's tunables.
type SlidingSync struct {
	ProxyBaseURL string        `yaml:"proxy_base_url"`
	Timeout      time.Duration `yaml:"timeout"`
	// AllowNetworks/DenyNetworks, if set, restrict which CIDR ranges the
	// transport's dialer may connect to.
	AllowNetworks []string `yaml:"allow_networks"`
	DenyNetworks  []string `yaml:"deny_networks"`
}

// KeyRequest holds the key request manager's storage configuration.
type KeyRequest struct {
	// Database is a database/sql data source name. An empty value
	// selects the in-memory store instead of a SQL-backed one.
	Database string `yaml:"database"`
	// Postgres selects the lib/pq driver/placeholder style for
	// Database; otherwise a sqlite driver is assumed.
	Postgres bool `yaml:"postgres"`
	// PureGoSQLite selects modernc.org/sqlite (no cgo) instead of
	// mattn/go-sqlite3 for the sqlite path, for cross-compiled builds
	// where cgo is unavailable. Ignored when Postgres is set.
	PureGoSQLite bool `yaml:"pure_go_sqlite"`
}

// Root is the top-level configuration document.
type Root struct {
	Global      Global         `yaml:"global"`
	SlidingSync SlidingSync    `yaml:"sliding_sync"`
	KeyRequest  KeyRequest     `yaml:"key_request"`
	Logging     logging.Config `yaml:"logging"`
	Metrics     MetricsConfig  `yaml:"metrics"`
}

// MetricsConfig controls whether Prometheus metrics are registered.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Root populated with the same conservative defaults
// dendrite's config.Defaults applies before a YAML document is merged
// in: a 30s long-poll timeout and text logging at info level.
func Defaults() Root {
	return Root{
		SlidingSync: SlidingSync{Timeout: 30 * time.Second},
		Logging:     logging.DefaultConfig(),
	}
}

// Load reads and parses a YAML configuration file at path, starting
// from Defaults and overlaying whatever the document sets.
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: reading file")
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: parsing YAML")
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Verify checks that the fields required to actually run are present.
func (r *Root) Verify() error {
	if r.Global.HomeserverURL == "" {
		return fmt.Errorf("config: global.homeserver_url is required")
	}
	if r.Global.RequestingDeviceID == "" {
		return fmt.Errorf("config: global.requesting_device_id is required")
	}
	return nil
}
