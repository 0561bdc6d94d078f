// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the YAML configuration of the two
// node kinds. Loading is layered: built-in defaults, then the file, then
// environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/jobmesh/internal/registry/consulregistry"
	"github.com/tombee/jobmesh/internal/registry/redisregistry"
	"github.com/tombee/jobmesh/internal/store"
	jobmesherrors "github.com/tombee/jobmesh/pkg/errors"
)

// Registry kinds.
const (
	RegistryRedis  = "redis"
	RegistryConsul = "consul"
)

// ServerConfig is the bind and advertised endpoint of a node. Host is
// what peers dial, so it must be reachable from them, not 0.0.0.0.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RegistryConfig selects and parameterizes the discovery backend.
type RegistryConfig struct {
	Kind string `yaml:"kind"`

	// Redis holds redis-specific settings plus the connection endpoints.
	Redis RedisConfig `yaml:"redis"`

	// Consul holds consul-specific settings.
	Consul consulregistry.Config `yaml:"consul"`
}

// RedisConfig is the redis connection plus registry behaviour.
type RedisConfig struct {
	// Addrs are the node endpoints; more than one means cluster mode.
	Addrs    []string `yaml:"addrs"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`

	redisregistry.Config `yaml:",inline"`
}

// HTTPConfig tunes the shared RPC HTTP client.
type HTTPConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// ScanConfig tunes one database sweep.
type ScanConfig struct {
	Period    time.Duration `yaml:"period"`
	Threshold time.Duration `yaml:"threshold"`
	Batch     int           `yaml:"batch"`
}

// DispatchConfig tunes task delivery.
type DispatchConfig struct {
	RetryCount    int           `yaml:"retry_count"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	RatePerSecond int           `yaml:"rate_per_second"`
	FailThreshold int           `yaml:"fail_threshold"`
}

// SupervisorConfig is the full configuration of a supervisor node.
type SupervisorConfig struct {
	Server   ServerConfig   `yaml:"server"`
	DB       store.Config   `yaml:"db"`
	Registry RegistryConfig `yaml:"registry"`
	HTTP     HTTPConfig     `yaml:"http"`

	// Groups maps each worker group to its signing token; worker calls
	// from unlisted groups are rejected.
	Groups map[string]string `yaml:"groups"`

	TriggeringScan ScanConfig     `yaml:"triggering_scan"`
	WaitingScan    ScanConfig     `yaml:"waiting_scan"`
	RunningScan    ScanConfig     `yaml:"running_scan"`
	Dispatch       DispatchConfig `yaml:"dispatch"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WheelConfig tunes the worker timing wheel.
type WheelConfig struct {
	TickMs   int64 `yaml:"tick_ms"`
	RingSize int   `yaml:"ring_size"`
	Capacity int   `yaml:"capacity"`
}

// ExecutorConfig tunes the worker executor pool.
type ExecutorConfig struct {
	PoolSize   int           `yaml:"pool_size"`
	RPCTimeout time.Duration `yaml:"rpc_timeout"`

	// Shell is the interpreter for shell jobs. Default /bin/sh.
	Shell string `yaml:"shell"`
}

// WorkerConfig is the full configuration of a worker node.
type WorkerConfig struct {
	// Group names the worker group this node serves; jobs are routed by
	// group. Required.
	Group string `yaml:"group"`

	// Token signs calls to supervisors. Required.
	Token string `yaml:"token"`

	Server   ServerConfig   `yaml:"server"`
	Registry RegistryConfig `yaml:"registry"`
	HTTP     HTTPConfig     `yaml:"http"`

	Wheel    WheelConfig    `yaml:"wheel"`
	Executor ExecutorConfig `yaml:"executor"`

	// SupervisorRetries is the retry budget across distinct supervisors
	// per report call.
	SupervisorRetries int `yaml:"supervisor_retries"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultSupervisor returns the built-in supervisor defaults.
func DefaultSupervisor() *SupervisorConfig {
	return &SupervisorConfig{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8080},
		DB:       store.Config{Driver: "sqlite", DSN: "jobmesh.db", WAL: true},
		Registry: RegistryConfig{Kind: RegistryRedis, Redis: RedisConfig{Addrs: []string{"127.0.0.1:6379"}}},
		HTTP: HTTPConfig{
			Timeout:       10 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  500 * time.Millisecond,
		},
		TriggeringScan: ScanConfig{Period: 3 * time.Second, Batch: 100},
		WaitingScan:    ScanConfig{Period: 15 * time.Second, Batch: 100},
		RunningScan:    ScanConfig{Period: 30 * time.Second, Batch: 100},
		Dispatch: DispatchConfig{
			RetryCount:    3,
			RetryBackoff:  time.Second,
			RatePerSecond: 1000,
			FailThreshold: 3,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// DefaultWorker returns the built-in worker defaults.
func DefaultWorker() *WorkerConfig {
	return &WorkerConfig{
		Server:   ServerConfig{Host: "127.0.0.1", Port: 8081},
		Registry: RegistryConfig{Kind: RegistryRedis, Redis: RedisConfig{Addrs: []string{"127.0.0.1:6379"}}},
		HTTP: HTTPConfig{
			Timeout:       10 * time.Second,
			RetryAttempts: 3,
			RetryBackoff:  500 * time.Millisecond,
		},
		Wheel:             WheelConfig{TickMs: 100, RingSize: 60, Capacity: 10000},
		Executor:          ExecutorConfig{RPCTimeout: 10 * time.Second, Shell: "/bin/sh"},
		SupervisorRetries: 2,
		ShutdownTimeout:   30 * time.Second,
	}
}

// LoadSupervisor reads a supervisor configuration. An empty path loads
// defaults and environment overrides only.
func LoadSupervisor(path string) (*SupervisorConfig, error) {
	cfg := DefaultSupervisor()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker reads a worker configuration. An empty path loads defaults
// and environment overrides only.
func LoadWorker(path string) (*WorkerConfig, error) {
	cfg := DefaultWorker()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, dst any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &jobmesherrors.ConfigError{
			Key:    "config_file",
			Reason: fmt.Sprintf("failed to load from %s", path),
			Cause:  err,
		}
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return &jobmesherrors.ConfigError{
			Key:    "config_file",
			Reason: fmt.Sprintf("failed to parse %s", path),
			Cause:  err,
		}
	}
	return nil
}

// loadFromEnv applies environment overrides for values that change per
// deployment without editing the file.
func (c *SupervisorConfig) loadFromEnv() {
	if v := os.Getenv("DISJOB_DB_DSN"); v != "" {
		c.DB.DSN = v
	}
	if v := os.Getenv("DISJOB_REDIS_ADDR"); v != "" {
		c.Registry.Redis.Addrs = []string{v}
	}
	if v := os.Getenv("DISJOB_REDIS_PASSWORD"); v != "" {
		c.Registry.Redis.Password = v
	}
	if v := os.Getenv("DISJOB_CONSUL_ADDR"); v != "" {
		c.Registry.Consul.Address = v
	}
}

func (c *WorkerConfig) loadFromEnv() {
	if v := os.Getenv("DISJOB_GROUP"); v != "" {
		c.Group = v
	}
	if v := os.Getenv("DISJOB_WORKER_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("DISJOB_REDIS_ADDR"); v != "" {
		c.Registry.Redis.Addrs = []string{v}
	}
	if v := os.Getenv("DISJOB_REDIS_PASSWORD"); v != "" {
		c.Registry.Redis.Password = v
	}
	if v := os.Getenv("DISJOB_CONSUL_ADDR"); v != "" {
		c.Registry.Consul.Address = v
	}
}

// Validate checks the supervisor configuration for contradictions that
// would only surface at runtime.
func (c *SupervisorConfig) Validate() error {
	if err := validateServer(c.Server); err != nil {
		return err
	}
	if c.DB.DSN == "" {
		return &jobmesherrors.ConfigError{Key: "db.dsn", Reason: "must not be empty"}
	}
	if err := validateRegistry(c.Registry); err != nil {
		return err
	}
	for _, sc := range []struct {
		key string
		cfg ScanConfig
	}{
		{"triggering_scan", c.TriggeringScan},
		{"waiting_scan", c.WaitingScan},
		{"running_scan", c.RunningScan},
	} {
		if sc.cfg.Period < 0 || sc.cfg.Batch < 0 || sc.cfg.Threshold < 0 {
			return &jobmesherrors.ConfigError{Key: sc.key, Reason: "negative values are not allowed"}
		}
	}
	if c.Dispatch.RetryCount < 0 || c.Dispatch.FailThreshold < 0 {
		return &jobmesherrors.ConfigError{Key: "dispatch", Reason: "negative values are not allowed"}
	}
	return nil
}

// Validate checks the worker configuration.
func (c *WorkerConfig) Validate() error {
	if c.Group == "" {
		return &jobmesherrors.ConfigError{Key: "group", Reason: "must not be empty"}
	}
	if c.Token == "" {
		return &jobmesherrors.ConfigError{Key: "token", Reason: "must not be empty"}
	}
	if err := validateServer(c.Server); err != nil {
		return err
	}
	if err := validateRegistry(c.Registry); err != nil {
		return err
	}
	if c.Wheel.TickMs < 0 || c.Wheel.RingSize < 0 || c.Wheel.Capacity < 0 {
		return &jobmesherrors.ConfigError{Key: "wheel", Reason: "negative values are not allowed"}
	}
	if c.Executor.PoolSize < 0 {
		return &jobmesherrors.ConfigError{Key: "executor.pool_size", Reason: "negative values are not allowed"}
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Host == "" {
		return &jobmesherrors.ConfigError{Key: "server.host", Reason: "must not be empty"}
	}
	if s.Port <= 0 || s.Port > 65535 {
		return &jobmesherrors.ConfigError{Key: "server.port", Reason: fmt.Sprintf("invalid port %d", s.Port)}
	}
	return nil
}

func validateRegistry(r RegistryConfig) error {
	switch r.Kind {
	case RegistryRedis:
		if len(r.Redis.Addrs) == 0 {
			return &jobmesherrors.ConfigError{Key: "registry.redis.addrs", Reason: "must not be empty"}
		}
	case RegistryConsul:
		if r.Consul.Address == "" {
			return &jobmesherrors.ConfigError{Key: "registry.consul.address", Reason: "must not be empty"}
		}
	default:
		return &jobmesherrors.ConfigError{
			Key:    "registry.kind",
			Reason: fmt.Sprintf("unknown kind %q, want %q or %q", r.Kind, RegistryRedis, RegistryConsul),
		}
	}
	return nil
}
