// Package config holds the process-wide settings for the eventcore server:
// a single struct populated from the environment via caarlos0/env.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

// Settings is the environment-sourced configuration for the eventcore
// server binary.
type Settings struct {
	NatsURL            string        `env:"EVENTCORE_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	Namespace          string        `env:"EVENTCORE_NAMESPACE" envDefault:"default"`
	LogLevel           string        `env:"EVENTCORE_LOG_LEVEL" envDefault:"info"`
	Concurrency        int           `env:"EVENTCORE_CONCURRENCY" envDefault:"10"`
	PartitionID        int32         `env:"EVENTCORE_PARTITION_ID" envDefault:"1"`
	BootstrapDeadline  time.Duration `env:"EVENTCORE_BOOTSTRAP_DEADLINE" envDefault:"15s"`
	MetricsBindAddress string        `env:"EVENTCORE_METRICS_ADDR" envDefault:":9095"`
}

// GetEnvironment pulls the active settings into a Settings struct.
func GetEnvironment() (*Settings, error) {
	cfg := &Settings{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment settings: %w", err)
	}
	return cfg, nil
}
