// Package config holds initialization parameters for all control-plane
// subsystems. Each subsystem section has a Default constructor and a Merge
// method; Load reads one YAML file, merges it over defaults, and validates
// the result.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the control plane.
type Config struct {
	// Listen is the bind address for the worker gateway and metrics
	// endpoints.
	Listen string `yaml:"listen" validate:"required"`

	// Observer selects the default observer from the registry
	// ("noop", "slog", "prom", "multi").
	Observer string `yaml:"observer"`

	Store     StoreConfig     `yaml:"store"`
	KV        KVConfig        `yaml:"kv"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Review    ReviewConfig    `yaml:"review"`
}

// StoreConfig configures the durable Postgres store.
type StoreConfig struct {
	DSN             string   `yaml:"dsn" validate:"required"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// KVConfig configures the ephemeral Redis state store.
type KVConfig struct {
	Addr     string   `yaml:"addr" validate:"required"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Timeout  Duration `yaml:"timeout"`
}

// GatewayConfig configures the worker connection manager.
type GatewayConfig struct {
	// HeartbeatInterval is the expected worker heartbeat cadence. The
	// keepalive timer pings after 2x this interval of receive silence.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// WriteTimeout bounds each frame write.
	WriteTimeout Duration `yaml:"write_timeout"`

	// MaxMessageBytes bounds inbound frame size.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// AllowQueryAuth permits ?api_key= authentication for clients that
	// cannot set headers.
	AllowQueryAuth bool `yaml:"allow_query_auth"`
}

// ScoreWeights are the allocator scoring weights. They are normalized to
// sum to 1 before use.
type ScoreWeights struct {
	Tool     float64 `yaml:"tool" validate:"gte=0"`
	Resource float64 `yaml:"resource" validate:"gte=0"`
	Privacy  float64 `yaml:"privacy" validate:"gte=0"`
}

// Normalize scales the weights to sum to 1. Zero-sum weights fall back to
// the defaults.
func (w ScoreWeights) Normalize() ScoreWeights {
	sum := w.Tool + w.Resource + w.Privacy
	if sum <= 0 {
		return DefaultAllocatorConfig().Weights
	}
	return ScoreWeights{
		Tool:     w.Tool / sum,
		Resource: w.Resource / sum,
		Privacy:  w.Privacy / sum,
	}
}

// AllocatorConfig configures the task allocator.
type AllocatorConfig struct {
	Weights ScoreWeights `yaml:"weights"`

	// MinScore is the qualification threshold for a pairing.
	MinScore float64 `yaml:"min_score" validate:"gte=0,lte=1"`

	// KickInterval is the periodic allocation cycle cadence, on top of
	// event-driven kicks.
	KickInterval Duration `yaml:"kick_interval"`

	// AssignmentTTL bounds the worker-current-task KV entry.
	AssignmentTTL Duration `yaml:"assignment_ttl"`

	// LocalTools lists tool names considered local-only for the privacy
	// score.
	LocalTools []string `yaml:"local_tools"`
}

// ReaperConfig configures the heartbeat reaper.
type ReaperConfig struct {
	Interval   Duration `yaml:"interval"`
	StaleAfter Duration `yaml:"stale_after"`
	DeadAfter  Duration `yaml:"dead_after"`
}

// ExecutorConfig configures the DAG executor.
type ExecutorConfig struct {
	// MaxParallelBranches bounds concurrent branch executions per
	// workflow.
	MaxParallelBranches int `yaml:"max_parallel_branches" validate:"gte=1"`

	// MaxRetries is the default per-node retry budget.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`

	// RetryBaseDelay seeds the linear backoff: delay = base * (1 + n).
	RetryBaseDelay Duration `yaml:"retry_base_delay"`

	// SubtaskTimeout is the wall-clock budget for one subtask attempt.
	SubtaskTimeout Duration `yaml:"subtask_timeout"`

	// MaxLoopIterations is the default bound for loop nodes that do not
	// set their own.
	MaxLoopIterations int `yaml:"max_loop_iterations" validate:"gte=1"`
}

// ReviewConfig configures the review coordinator.
type ReviewConfig struct {
	// DefaultTimeout is applied to checkpoints created without an
	// explicit expiration.
	DefaultTimeout Duration `yaml:"default_timeout"`
}

// DefaultConfig returns a Config with sensible defaults for all subsystems.
func DefaultConfig() Config {
	return Config{
		Listen:    ":8080",
		Observer:  "slog",
		Store:     DefaultStoreConfig(),
		KV:        DefaultKVConfig(),
		Gateway:   DefaultGatewayConfig(),
		Allocator: DefaultAllocatorConfig(),
		Reaper:    DefaultReaperConfig(),
		Executor:  DefaultExecutorConfig(),
		Review:    DefaultReviewConfig(),
	}
}

// DefaultStoreConfig returns store defaults. The DSN has no default and
// must come from the config file.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: D(30 * time.Minute),
	}
}

// DefaultKVConfig returns redis defaults.
func DefaultKVConfig() KVConfig {
	return KVConfig{
		Addr:    "localhost:6379",
		Timeout: D(5 * time.Second),
	}
}

// DefaultGatewayConfig returns gateway defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		HeartbeatInterval: D(30 * time.Second),
		WriteTimeout:      D(10 * time.Second),
		MaxMessageBytes:   1 << 20,
		AllowQueryAuth:    true,
	}
}

// DefaultAllocatorConfig returns allocator defaults: weights tool 0.50 /
// resource 0.30 / privacy 0.20, minimum qualifying score 0.3.
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		Weights:       ScoreWeights{Tool: 0.50, Resource: 0.30, Privacy: 0.20},
		MinScore:      0.3,
		KickInterval:  D(5 * time.Second),
		AssignmentTTL: D(time.Hour),
		LocalTools:    []string{"ollama", "llamacpp"},
	}
}

// DefaultReaperConfig returns reaper defaults: 30s sweep, 2m stale, 5m dead.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:   D(30 * time.Second),
		StaleAfter: D(2 * time.Minute),
		DeadAfter:  D(5 * time.Minute),
	}
}

// DefaultExecutorConfig returns executor defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxParallelBranches: 10,
		MaxRetries:          3,
		RetryBaseDelay:      D(2 * time.Second),
		SubtaskTimeout:      D(time.Hour),
		MaxLoopIterations:   100,
	}
}

// DefaultReviewConfig returns review defaults.
func DefaultReviewConfig() ReviewConfig {
	return ReviewConfig{
		DefaultTimeout: D(24 * time.Hour),
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Listen != "" {
		c.Listen = source.Listen
	}
	if source.Observer != "" {
		c.Observer = source.Observer
	}
	c.Store.Merge(&source.Store)
	c.KV.Merge(&source.KV)
	c.Gateway.Merge(&source.Gateway)
	c.Allocator.Merge(&source.Allocator)
	c.Reaper.Merge(&source.Reaper)
	c.Executor.Merge(&source.Executor)
	c.Review.Merge(&source.Review)
}

func (c *StoreConfig) Merge(source *StoreConfig) {
	if source.DSN != "" {
		c.DSN = source.DSN
	}
	if source.MaxOpenConns > 0 {
		c.MaxOpenConns = source.MaxOpenConns
	}
	if source.MaxIdleConns > 0 {
		c.MaxIdleConns = source.MaxIdleConns
	}
	if source.ConnMaxLifetime > 0 {
		c.ConnMaxLifetime = source.ConnMaxLifetime
	}
}

func (c *KVConfig) Merge(source *KVConfig) {
	if source.Addr != "" {
		c.Addr = source.Addr
	}
	if source.Password != "" {
		c.Password = source.Password
	}
	if source.DB > 0 {
		c.DB = source.DB
	}
	if source.Timeout > 0 {
		c.Timeout = source.Timeout
	}
}

func (c *GatewayConfig) Merge(source *GatewayConfig) {
	if source.HeartbeatInterval > 0 {
		c.HeartbeatInterval = source.HeartbeatInterval
	}
	if source.WriteTimeout > 0 {
		c.WriteTimeout = source.WriteTimeout
	}
	if source.MaxMessageBytes > 0 {
		c.MaxMessageBytes = source.MaxMessageBytes
	}
	if source.AllowQueryAuth {
		c.AllowQueryAuth = true
	}
}

func (c *AllocatorConfig) Merge(source *AllocatorConfig) {
	if source.Weights.Tool > 0 || source.Weights.Resource > 0 || source.Weights.Privacy > 0 {
		c.Weights = source.Weights
	}
	if source.MinScore > 0 {
		c.MinScore = source.MinScore
	}
	if source.KickInterval > 0 {
		c.KickInterval = source.KickInterval
	}
	if source.AssignmentTTL > 0 {
		c.AssignmentTTL = source.AssignmentTTL
	}
	if len(source.LocalTools) > 0 {
		c.LocalTools = source.LocalTools
	}
}

func (c *ReaperConfig) Merge(source *ReaperConfig) {
	if source.Interval > 0 {
		c.Interval = source.Interval
	}
	if source.StaleAfter > 0 {
		c.StaleAfter = source.StaleAfter
	}
	if source.DeadAfter > 0 {
		c.DeadAfter = source.DeadAfter
	}
}

func (c *ExecutorConfig) Merge(source *ExecutorConfig) {
	if source.MaxParallelBranches > 0 {
		c.MaxParallelBranches = source.MaxParallelBranches
	}
	if source.MaxRetries > 0 {
		c.MaxRetries = source.MaxRetries
	}
	if source.RetryBaseDelay > 0 {
		c.RetryBaseDelay = source.RetryBaseDelay
	}
	if source.SubtaskTimeout > 0 {
		c.SubtaskTimeout = source.SubtaskTimeout
	}
	if source.MaxLoopIterations > 0 {
		c.MaxLoopIterations = source.MaxLoopIterations
	}
}

func (c *ReviewConfig) Merge(source *ReviewConfig) {
	if source.DefaultTimeout > 0 {
		c.DefaultTimeout = source.DefaultTimeout
	}
}

// Validate checks the assembled config with struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load reads a YAML config file, merges it over defaults, and validates
// the result.
func Load(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
