// Package config defines the single configuration document the core
// consumes (spec.md §6). Parsing CLI flags and locating the config file on
// disk are external collaborators; this package only defines the typed
// struct, loads it from an already-opened reader, and validates/defaults
// it, the same way the teacher unmarshals its ImageSetConfiguration with
// sigs.k8s.io/yaml rather than hand-rolling a parser.
package config

import (
	"fmt"
	"io"
	"time"

	"sigs.k8s.io/yaml"
)

type Config struct {
	Registry  RegistryConfig  `json:"registry"`
	Cluster   ClusterConfig   `json:"cluster"`
	Mongo     MongoConfig     `json:"mongo"`
	Analysis  AnalysisConfig  `json:"analysis"`
	Retry     RetryConfig     `json:"retry"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	Cache     CacheConfig     `json:"cache"`
	Reports   ReportsConfig   `json:"reports"`
	Backup    BackupConfig    `json:"backup"`
	Security  SecurityConfig  `json:"security"`
}

type RegistryConfig struct {
	URL            string `json:"url"`
	RepositoryBase string `json:"repositoryBase"`
	AuthSecretRef  string `json:"authSecretRef"`
	InCluster      bool   `json:"inCluster"`
}

type ClusterConfig struct {
	Namespace            string `json:"namespace"`
	RegistryWorkloadName string `json:"registryWorkloadName"`
}

type MongoConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReplicaSet          string `json:"replicaSet"`
	Database            string `json:"database"`
	CredentialEnvVar    string `json:"credentialEnvVar"`
	CredentialSecretRef string `json:"credentialSecretRef"`
}

type AnalysisConfig struct {
	MaxWorkers       int           `json:"maxWorkers"`
	OperationTimeout time.Duration `json:"operationTimeout"`
	OutputDir        string        `json:"outputDir"`
}

type RetryConfig struct {
	MaxAttempts       int           `json:"maxAttempts"`
	InitialDelay      time.Duration `json:"initialDelay"`
	MaxDelay          time.Duration `json:"maxDelay"`
	ExponentialBase   float64       `json:"exponentialBase"`
	Jitter            bool          `json:"jitter"`
	SubprocessTimeout time.Duration `json:"subprocessTimeout"`
}

type RateLimitConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

type CacheConfig struct {
	Enabled bool                     `json:"enabled"`
	TTL     map[string]time.Duration `json:"ttl"` // keys: tag-list, image-inspect, mongo-query, layer-calc
	MaxSize map[string]int           `json:"maxSize"`
}

type ReportsConfig struct {
	Filenames map[string]string `json:"filenames"` // report kind -> filename
}

type BackupConfig struct {
	Bucket string `json:"bucket"`
	Region string `json:"region"`
}

type SecurityConfig struct {
	DryRunByDefault     bool `json:"dryRunByDefault"`
	RequireConfirmation bool `json:"requireConfirmation"`
}

// Load parses a YAML configuration document from r.
func Load(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Analysis.MaxWorkers == 0 {
		c.Analysis.MaxWorkers = 4
	}
	if c.Analysis.OperationTimeout == 0 {
		c.Analysis.OperationTimeout = 300 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.ExponentialBase == 0 {
		c.Retry.ExponentialBase = 2.0
	}
	if c.Retry.SubprocessTimeout == 0 {
		c.Retry.SubprocessTimeout = 300 * time.Second
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
}

// Validate checks required fields are present. It does not validate
// reachability of any external system — that is discovered at call time.
func (c *Config) Validate() error {
	if c.Registry.URL == "" {
		return fmt.Errorf("registry.url is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required")
	}
	if c.Analysis.MaxWorkers < 1 {
		return fmt.Errorf("analysis.maxWorkers must be >= 1")
	}
	return nil
}

// DeleteWorkerCount is min(configured_workers, uniqueImages, 10) per spec §5.
func (c Config) DeleteWorkerCount(uniqueImages int) int {
	w := c.Analysis.MaxWorkers
	if w > 10 {
		w = 10
	}
	if uniqueImages < w {
		w = uniqueImages
	}
	if w < 1 {
		w = 1
	}
	return w
}
