// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt
package config

import (
	"flag"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "",
		"Path to YAML config file (optional; flags override file settings)")
}

// Path returns the -config flag value; empty when no file was given.
func Path() string {
	return configPath
}

// FromFlags loads the file named by -config, or returns a zero File when
// the flag is unset.
func FromFlags() (File, error) {
	if configPath == "" {
		return File{}, nil
	}
	return Load(configPath)
}
