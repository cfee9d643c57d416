// Package config provides hierarchical configuration loading for Conclave.
// Precedence: defaults < YAML file < environment variables.
package config

import (
	"time"

	"github.com/Strob0t/Conclave/internal/domain/provider"
)

// Config holds all runtime configuration for the Conclave scheduler service.
type Config struct {
	Server    Server            `yaml:"server"`
	Logging   Logging           `yaml:"logging"`
	NATS      NATS              `yaml:"nats"`
	Postgres  Postgres          `yaml:"postgres"`
	Cache     Cache             `yaml:"cache"`
	Telemetry Telemetry         `yaml:"telemetry"`
	MCP       MCP               `yaml:"mcp"`
	Secrets   Secrets           `yaml:"secrets"`
	Notify    Notify            `yaml:"notify"`
	Scheduler Scheduler         `yaml:"scheduler"`
	Rate      Rate              `yaml:"rate"`
	Breaker   Breaker           `yaml:"breaker"`
	Timeouts  Timeouts          `yaml:"timeouts"`
	Queue     Queue             `yaml:"queue"`
	Providers []provider.Config `yaml:"providers"`
	Chains    map[string]Chain  `yaml:"chains"`
	Terminal  string            `yaml:"terminal"`
	Defaults  map[string]string `yaml:"defaults"`
	Planner   Planner           `yaml:"planner"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	APIKey     string `yaml:"api_key"`      // empty disables auth on /api and /mcp
	APIKeyHash string `yaml:"api_key_hash"` // bcrypt hash; takes precedence over api_key
}

// Logging holds structured logging configuration.
type Logging struct {
	Level      string `yaml:"level"`
	Service    string `yaml:"service"`
	Async      bool   `yaml:"async"`
	BufferSize int    `yaml:"buffer_size"`
	Workers    int    `yaml:"workers"`
}

// NATS holds NATS configuration. An empty URL disables every NATS feature.
type NATS struct {
	URL              string `yaml:"url"`
	Responder        bool   `yaml:"responder"` // answer conclave.schedule requests
	PublishDecisions bool   `yaml:"publish_decisions"`
}

// Postgres holds PostgreSQL connection configuration. An empty DSN disables
// the decision audit log.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// Cache holds expert-response cache configuration.
type Cache struct {
	Enabled     bool          `yaml:"enabled"`
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L2Bucket    string        `yaml:"l2_bucket"` // JetStream KV bucket; used only with NATS
	TTL         time.Duration `yaml:"ttl"`
}

// Telemetry holds OpenTelemetry exporter configuration. An empty endpoint
// keeps the no-op global providers.
type Telemetry struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MCP holds Model Context Protocol server configuration.
type MCP struct {
	Enabled bool `yaml:"enabled"`
}

// Secrets locates provider credentials outside the main config file.
type Secrets struct {
	File string `yaml:"file"` // flat YAML map of provider id -> API key; reloaded on SIGHUP
}

// Notify configures operator alerts. Empty webhook URLs disable a channel.
type Notify struct {
	SlackWebhook   string   `yaml:"slack_webhook"`
	DiscordWebhook string   `yaml:"discord_webhook"`
	Events         []string `yaml:"events"` // empty = overrides and breaker changes
}

// Scheduler holds the global scheduling knobs.
type Scheduler struct {
	MaxInFlight        int     `yaml:"max_in_flight"`
	MaxCandidates      int     `yaml:"max_candidates"`
	QuorumMin          int     `yaml:"quorum_min"`
	ConsensusThreshold float64 `yaml:"consensus_threshold"`
	StuckModerate      int     `yaml:"stuck_moderate"`
	StuckForce         int     `yaml:"stuck_force"`
	StuckHistory       int     `yaml:"stuck_history"`
}

// Rate holds the adaptive RateLimiter tunables.
type Rate struct {
	Window         time.Duration `yaml:"window"`
	RescaleEvery   time.Duration `yaml:"rescale_every"`
	FastLatency    time.Duration `yaml:"fast_latency"`
	SlowLatency    time.Duration `yaml:"slow_latency"`
	GrowFactor     float64       `yaml:"grow_factor"`
	ShrinkFactor   float64       `yaml:"shrink_factor"`
	FloorRatio     float64       `yaml:"floor_ratio"`
	WaitThreshold  time.Duration `yaml:"wait_threshold"`
	QueueThreshold time.Duration `yaml:"queue_threshold"`
	EMAAlpha       float64       `yaml:"ema_alpha"`

	// Inbound HTTP limiter.
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"` // default for providers without cooldown
}

// Timeouts holds the per-class deadlines and warm-up settings.
type Timeouts struct {
	Urgent           time.Duration `yaml:"urgent"`
	Normal           time.Duration `yaml:"normal"`
	Deliberative     time.Duration `yaml:"deliberative"`
	WarmupCycles     int           `yaml:"warmup_cycles"`
	WarmupMultiplier float64       `yaml:"warmup_multiplier"`
	Warmup           bool          `yaml:"warmup"` // start in warm-up until switched off over the API
}

// Queue holds RequestQueue configuration.
type Queue struct {
	RetryInterval time.Duration `yaml:"retry_interval"`
	RetryDeadline time.Duration `yaml:"retry_deadline"` // 0 = request deadline
}

// Chain is the YAML form of a per-class provider order.
type Chain struct {
	Providers []string `yaml:"providers"`
}

// Planner holds the built-in planner loop configuration.
type Planner struct {
	Interval time.Duration `yaml:"interval"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Logging: Logging{
			Level:      "info",
			Service:    "conclave",
			BufferSize: 10000,
			Workers:    4,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Cache: Cache{
			Enabled:     true,
			L1MaxSizeMB: 32,
			L2Bucket:    "CONCLAVE_RESPONSES",
			TTL:         2 * time.Minute,
		},
		Telemetry: Telemetry{
			Insecure:    true,
			ServiceName: "conclave",
			SampleRate:  1.0,
		},
		Scheduler: Scheduler{
			MaxInFlight:        6,
			MaxCandidates:      3,
			QuorumMin:          2,
			ConsensusThreshold: 0.5,
			StuckModerate:      3,
			StuckForce:         5,
			StuckHistory:       8,
		},
		Rate: Rate{
			Window:            time.Minute,
			RescaleEvery:      time.Minute,
			FastLatency:       2 * time.Second,
			SlowLatency:       5 * time.Second,
			GrowFactor:        1.1,
			ShrinkFactor:      0.8,
			FloorRatio:        0.2,
			WaitThreshold:     5 * time.Second,
			QueueThreshold:    10 * time.Second,
			EMAAlpha:          0.2,
			RequestsPerSecond: 10,
			Burst:             50,
			CleanupInterval:   5 * time.Minute,
			MaxIdleTime:       10 * time.Minute,
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Cooldown:    30 * time.Second,
		},
		Timeouts: Timeouts{
			Urgent:           15 * time.Second,
			Normal:           30 * time.Second,
			Deliberative:     45 * time.Second,
			WarmupCycles:     0,
			WarmupMultiplier: 4,
		},
		Queue: Queue{
			RetryInterval: 500 * time.Millisecond,
		},
		Defaults: map[string]string{
			"urgent":       "wait",
			"normal":       "wait",
			"deliberative": "wait",
		},
		Planner: Planner{
			Interval: 5 * time.Second,
		},
	}
}
