/*
Package config loads the YAML configuration for a probed pool: how many
workers to run, where the worker binary lives, and the per-worker job
table size.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig describes a worker pool at startup.
type PoolConfig struct {
	// Workers is how many worker processes to spawn. Values <= 0 are
	// clamped up to DefaultWorkers, matching init_workers' own clamp.
	Workers int `yaml:"workers"`

	// WorkerBinary is the executable re-exec'd to become a worker. An
	// empty value means "re-exec the current binary", the normal case
	// for cmd/probed's combined master/worker executable.
	WorkerBinary string `yaml:"workerBinary,omitempty"`

	// MaxJobsPerWorker bounds the job-id ring each worker's responses
	// are matched against; job ids wrap modulo this value.
	MaxJobsPerWorker int `yaml:"maxJobsPerWorker,omitempty"`

	// JobTimeout is the advisory timeout sent with every job the pool
	// dispatches.
	JobTimeout time.Duration `yaml:"jobTimeout,omitempty"`

	// AuditPath is where the BoltDB-backed lifecycle log is kept. An
	// empty value disables the audit trail.
	AuditPath string `yaml:"auditPath,omitempty"`

	// MetricsAddr, if set, is where cmd/probed exposes /metrics and
	// /healthz.
	MetricsAddr string `yaml:"metricsAddr,omitempty"`
}

// DefaultWorkers mirrors the reference implementation's clamp: asking
// for zero or a negative worker count gets you four instead.
const DefaultWorkers = 4

// DefaultMaxJobsPerWorker is generous enough that a busy worker's
// in-flight job count would have to reach four digits before two jobs
// could collide on the same slot.
const DefaultMaxJobsPerWorker = 4096

// DefaultJobTimeout is used when the config sets no JobTimeout.
const DefaultJobTimeout = 300 * time.Second

// Normalize applies the same defaulting/clamping rules the pool itself
// relies on, so callers that build a PoolConfig by hand (tests, `probed
// bench`) get the same behavior as one loaded from YAML.
func (c *PoolConfig) Normalize() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxJobsPerWorker <= 0 {
		c.MaxJobsPerWorker = DefaultMaxJobsPerWorker
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
}

// Load reads and parses a pool configuration file, then normalizes it.
func Load(path string) (PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PoolConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg PoolConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return PoolConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}
