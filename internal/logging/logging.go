// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package logging configures the logrus logger shared by the sliding
// sync engine and the key request manager.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Config controls the shared logger's level and output format.
type Config struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the logging defaults used when a caller doesn't
// supply its own Config.
func DefaultConfig() Config {
	return Config{Level: "info"}
}

// Setup applies cfg to logrus's standard logger and returns an Entry
// carrying a "component" field, the way dendrite's per-component
// loggers (e.g. util.GetLogger) scope log lines to their subsystem.
func Setup(cfg Config, component string) *logrus.Entry {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	logrus.SetOutput(os.Stderr)
	return logrus.WithField("component", component)
}
