// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg locates Gatekeeper files under the XDG Base Directory layout.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "gatekeeper"

// ConfigFileName is the file looked up in each config directory.
const ConfigFileName = "config.yaml"

// ConfigDir returns the user config directory for gatekeeper.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// ConfigDirs returns the config search path, most specific first: the user
// directory, then each entry of XDG_CONFIG_DIRS (default /etc/xdg).
func ConfigDirs() []string {
	dirs := []string{ConfigDir()}
	system := os.Getenv("XDG_CONFIG_DIRS")
	if system == "" {
		system = "/etc/xdg"
	}
	for _, dir := range filepath.SplitList(system) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		dirs = append(dirs, filepath.Join(dir, appName))
	}
	return dirs
}

// FindConfigFile returns the first existing config file on the search path,
// or "" when there is none.
func FindConfigFile() string {
	for _, dir := range ConfigDirs() {
		candidate := filepath.Join(dir, ConfigFileName)
		if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
			return candidate
		}
	}
	return ""
}
