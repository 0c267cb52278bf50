// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package otel

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// MaxSafeQueueSize caps the metric queue to prevent OOM from a
// misconfigured value.
const MaxSafeQueueSize = 100000

type Config struct {
	// Endpoint is the OTLP gRPC collector address, host:port.
	Endpoint string
	// Insecure disables TLS on the export connection.
	Insecure bool

	// ServiceName and ServiceVersion become resource attributes.
	ServiceName    string
	ServiceVersion string

	// PushInterval is how often the periodic reader exports.
	PushInterval time.Duration
	// Timeout bounds each export RPC and the initial exporter setup.
	Timeout time.Duration
	// MaxQueueSize is the ring buffer capacity between the capture loop
	// and the export goroutine. Oldest metrics are overwritten when the
	// exporter cannot keep up.
	MaxQueueSize int
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:     "localhost:4317",
		Insecure:     false,
		ServiceName:  "serverstats",
		PushInterval: 10 * time.Second,
		Timeout:      30 * time.Second,
		MaxQueueSize: 4096,
	}
}

// ApplyEnvironmentVariables applies the standard OTLP environment variables,
// which take precedence over file configuration so container deployments can
// point at a collector without editing config.
func (c *Config) ApplyEnvironmentVariables() {
	if endpoint := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Endpoint = endpoint
	}
	if insecure := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_INSECURE", "OTEL_EXPORTER_OTLP_INSECURE"); insecure != "" {
		if parsed, err := strconv.ParseBool(insecure); err == nil {
			c.Insecure = parsed
		}
	}
	if timeout := getEnvVar("OTEL_EXPORTER_OTLP_METRICS_TIMEOUT", "OTEL_EXPORTER_OTLP_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			c.Timeout = duration
		}
	}
	if serviceName := os.Getenv("OTEL_SERVICE_NAME"); serviceName != "" {
		c.ServiceName = serviceName
	}
}

// getEnvVar returns the first non-empty environment variable from the list.
func getEnvVar(names ...string) string {
	for _, name := range names {
		if value := os.Getenv(name); value != "" {
			return value
		}
	}
	return ""
}

// Validate ensures the configuration is usable and fills remaining zero
// values with defaults.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointRequired
	}
	if c.ServiceName == "" {
		c.ServiceName = "serverstats"
	}
	if c.PushInterval <= 0 {
		c.PushInterval = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 4096
	} else if c.MaxQueueSize > MaxSafeQueueSize {
		return ErrQueueSizeTooLarge
	}
	return nil
}

var (
	ErrEndpointRequired  = fmt.Errorf("OTLP endpoint is required when export is enabled")
	ErrQueueSizeTooLarge = fmt.Errorf("queue size cannot exceed %d to prevent OOM", MaxSafeQueueSize)
)
