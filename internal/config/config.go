// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config loads capture settings from an optional YAML file and
// keeps them fresh while a capture runs. Command line flags override
// anything set here; the file exists so long-running captures on fleet
// hosts can be tuned without editing unit files.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loberman/serverstats/pkg/performance"
)

// Duration is a time.Duration that unmarshals from YAML strings like "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// File is the YAML schema.
type File struct {
	// Interval between capture ticks, e.g. "5s".
	Interval Duration `yaml:"interval,omitempty"`
	// Output is the capture file path. Empty means the generated
	// hostname-and-timestamp name.
	Output string `yaml:"output,omitempty"`
	// ProcPath overrides /proc, for containers with the host procfs
	// mounted elsewhere.
	ProcPath string `yaml:"proc_path,omitempty"`
	// DiskPrefixes selects block devices by name prefix.
	DiskPrefixes []string `yaml:"disk_prefixes,omitempty"`
	// Collectors enables a subset of disk, cpu, memory, network.
	// Empty enables all of them.
	Collectors []string `yaml:"collectors,omitempty"`
	// TopK is the number of rows in ranked analysis tables.
	TopK int `yaml:"top_k,omitempty"`

	Process ProcessConfig `yaml:"process,omitempty"`
	Export  ExportConfig  `yaml:"export,omitempty"`
}

type ProcessConfig struct {
	// Timeout bounds each per-process procfs fetch.
	Timeout Duration `yaml:"timeout,omitempty"`
	// Retries is how many times a timed-out fetch is retried before the
	// process is skipped for the interval.
	Retries int `yaml:"retries,omitempty"`
}

type ExportConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp,omitempty"`
	SQLite SQLiteConfig `yaml:"sqlite,omitempty"`
}

type OTLPConfig struct {
	// Endpoint is the host:port of an OTLP gRPC collector. Empty disables
	// the exporter.
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`
	// Interval between metric pushes; defaults to the capture interval.
	Interval Duration `yaml:"interval,omitempty"`
}

type SQLiteConfig struct {
	// Path of the metrics database. Empty disables persistence.
	Path string `yaml:"path,omitempty"`
}

// Load reads and parses a YAML config file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return parse(data)
}

func parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := f.validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) validate() error {
	for _, c := range f.Collectors {
		switch performance.MetricType(c) {
		case performance.MetricTypeDisk, performance.MetricTypeCPU,
			performance.MetricTypeMemory, performance.MetricTypeNetwork:
		default:
			return fmt.Errorf("unknown collector %q", c)
		}
	}
	if f.Interval < 0 {
		return fmt.Errorf("interval must not be negative, got %s", time.Duration(f.Interval))
	}
	if f.TopK < 0 {
		return fmt.Errorf("top_k must not be negative, got %d", f.TopK)
	}
	return nil
}

// CollectionConfig translates the file into engine settings, filling
// defaults for anything unset.
func (f File) CollectionConfig() performance.CollectionConfig {
	cfg := performance.CollectionConfig{
		Interval:       time.Duration(f.Interval),
		HostProcPath:   f.ProcPath,
		DiskPrefixes:   f.DiskPrefixes,
		TopK:           f.TopK,
		ProcessTimeout: time.Duration(f.Process.Timeout),
		ProcessRetries: f.Process.Retries,
	}
	if len(f.Collectors) > 0 {
		cfg.EnabledCollectors = make(map[performance.MetricType]bool, len(f.Collectors))
		for _, c := range f.Collectors {
			cfg.EnabledCollectors[performance.MetricType(c)] = true
		}
	}
	cfg.ApplyDefaults()
	return cfg
}
