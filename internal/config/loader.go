package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Strob0t/Conclave/internal/domain/decision"
	"github.com/Strob0t/Conclave/internal/domain/provider"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "conclave.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("CONCLAVE_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	for i := range cfg.Providers {
		if cfg.Providers[i].Cooldown <= 0 && cfg.Providers[i].CooldownSeconds <= 0 {
			cfg.Providers[i].Cooldown = cfg.Breaker.Cooldown
		}
		cfg.Providers[i] = cfg.Providers[i].WithDefaults()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONCLAVE_PORT")
	setString(&cfg.Server.CORSOrigin, "CONCLAVE_CORS_ORIGIN")
	setString(&cfg.Server.APIKey, "CONCLAVE_API_KEY")
	setString(&cfg.Server.APIKeyHash, "CONCLAVE_API_KEY_HASH")
	setString(&cfg.Logging.Level, "CONCLAVE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONCLAVE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CONCLAVE_LOG_ASYNC")
	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.NATS.Responder, "CONCLAVE_NATS_RESPONDER")
	setBool(&cfg.NATS.PublishDecisions, "CONCLAVE_NATS_PUBLISH")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONCLAVE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONCLAVE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONCLAVE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONCLAVE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONCLAVE_PG_HEALTH_CHECK")
	setString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setFloat64(&cfg.Telemetry.SampleRate, "CONCLAVE_OTEL_SAMPLE_RATE")
	setBool(&cfg.MCP.Enabled, "CONCLAVE_MCP_ENABLED")
	setString(&cfg.Secrets.File, "CONCLAVE_SECRETS_FILE")
	setString(&cfg.Notify.SlackWebhook, "CONCLAVE_NOTIFY_SLACK_WEBHOOK")
	setString(&cfg.Notify.DiscordWebhook, "CONCLAVE_NOTIFY_DISCORD_WEBHOOK")

	// Cache
	setBool(&cfg.Cache.Enabled, "CONCLAVE_CACHE_ENABLED")
	setInt64(&cfg.Cache.L1MaxSizeMB, "CONCLAVE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "CONCLAVE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.TTL, "CONCLAVE_CACHE_TTL")

	// Scheduler
	setInt(&cfg.Scheduler.MaxInFlight, "CONCLAVE_MAX_IN_FLIGHT")
	setInt(&cfg.Scheduler.MaxCandidates, "CONCLAVE_MAX_CANDIDATES")
	setInt(&cfg.Scheduler.QuorumMin, "CONCLAVE_QUORUM_MIN")
	setFloat64(&cfg.Scheduler.ConsensusThreshold, "CONCLAVE_CONSENSUS_THRESHOLD")
	setInt(&cfg.Scheduler.StuckModerate, "CONCLAVE_STUCK_MODERATE")
	setInt(&cfg.Scheduler.StuckForce, "CONCLAVE_STUCK_FORCE")

	// Rate limiter
	setDuration(&cfg.Rate.WaitThreshold, "CONCLAVE_RATE_WAIT_THRESHOLD")
	setDuration(&cfg.Rate.QueueThreshold, "CONCLAVE_RATE_QUEUE_THRESHOLD")
	setFloat64(&cfg.Rate.GrowFactor, "CONCLAVE_RATE_GROW_FACTOR")
	setFloat64(&cfg.Rate.ShrinkFactor, "CONCLAVE_RATE_SHRINK_FACTOR")
	setFloat64(&cfg.Rate.FloorRatio, "CONCLAVE_RATE_FLOOR_RATIO")
	setFloat64(&cfg.Rate.RequestsPerSecond, "CONCLAVE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "CONCLAVE_RATE_BURST")
	setDuration(&cfg.Rate.CleanupInterval, "CONCLAVE_RATE_CLEANUP_INTERVAL")
	setDuration(&cfg.Rate.MaxIdleTime, "CONCLAVE_RATE_MAX_IDLE_TIME")

	// Breaker
	setInt(&cfg.Breaker.MaxFailures, "CONCLAVE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Cooldown, "CONCLAVE_BREAKER_COOLDOWN")

	// Timeouts
	setDuration(&cfg.Timeouts.Urgent, "CONCLAVE_TIMEOUT_URGENT")
	setDuration(&cfg.Timeouts.Normal, "CONCLAVE_TIMEOUT_NORMAL")
	setDuration(&cfg.Timeouts.Deliberative, "CONCLAVE_TIMEOUT_DELIBERATIVE")
	setInt(&cfg.Timeouts.WarmupCycles, "CONCLAVE_WARMUP_CYCLES")
	setFloat64(&cfg.Timeouts.WarmupMultiplier, "CONCLAVE_WARMUP_MULTIPLIER")
	setBool(&cfg.Timeouts.Warmup, "CONCLAVE_WARMUP")

	// Queue
	setDuration(&cfg.Queue.RetryInterval, "CONCLAVE_QUEUE_RETRY_INTERVAL")
	setDuration(&cfg.Queue.RetryDeadline, "CONCLAVE_QUEUE_RETRY_DEADLINE")

	setString(&cfg.Terminal, "CONCLAVE_TERMINAL_PROVIDER")
	setDuration(&cfg.Planner.Interval, "CONCLAVE_PLANNER_INTERVAL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Rate.QueueThreshold < cfg.Rate.WaitThreshold {
		return errors.New("rate.queue_threshold must be >= rate.wait_threshold")
	}
	if cfg.Scheduler.MaxInFlight < 1 {
		return errors.New("scheduler.max_in_flight must be >= 1")
	}
	if cfg.Scheduler.MaxCandidates < 1 {
		return errors.New("scheduler.max_candidates must be >= 1")
	}
	if cfg.Scheduler.QuorumMin < 1 {
		return errors.New("scheduler.quorum_min must be >= 1")
	}
	if cfg.Scheduler.ConsensusThreshold <= 0 {
		return errors.New("scheduler.consensus_threshold must be > 0")
	}
	if cfg.Scheduler.StuckModerate < 2 || cfg.Scheduler.StuckForce <= cfg.Scheduler.StuckModerate {
		return errors.New("scheduler.stuck_moderate must be >= 2 and < scheduler.stuck_force")
	}
	if cfg.Timeouts.WarmupMultiplier < 1 {
		return errors.New("timeouts.warmup_multiplier must be >= 1")
	}
	if cfg.Timeouts.WarmupCycles < 0 {
		return errors.New("timeouts.warmup_cycles must be >= 0")
	}
	if cfg.Queue.RetryInterval <= 0 {
		return errors.New("queue.retry_interval must be > 0")
	}

	seen := make(map[string]bool, len(cfg.Providers))
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
	}
	if cfg.Terminal != "" && !seen[cfg.Terminal] {
		return fmt.Errorf("terminal provider %q is not configured", cfg.Terminal)
	}
	for class, ch := range cfg.Chains {
		if !decision.ContextClass(class).Valid() {
			return fmt.Errorf("chains: unknown context class %q", class)
		}
		for _, id := range ch.Providers {
			if !seen[id] {
				return fmt.Errorf("chains.%s: unknown provider %q", class, id)
			}
		}
	}
	for class := range cfg.Defaults {
		if !decision.ContextClass(class).Valid() {
			return fmt.Errorf("defaults: unknown context class %q", class)
		}
	}
	return nil
}

// ClassChains converts the YAML chains into domain chains.
func (c *Config) ClassChains() map[decision.ContextClass]provider.Chain {
	out := make(map[decision.ContextClass]provider.Chain, len(c.Chains))
	for class, ch := range c.Chains {
		out[decision.ContextClass(class)] = provider.Chain{Providers: ch.Providers, Terminal: c.Terminal}
	}
	return out
}

// ClassDeadlines returns the configured per-class deadlines.
func (c *Config) ClassDeadlines() map[decision.ContextClass]time.Duration {
	return map[decision.ContextClass]time.Duration{
		decision.ClassUrgent:       c.Timeouts.Urgent,
		decision.ClassNormal:       c.Timeouts.Normal,
		decision.ClassDeliberative: c.Timeouts.Deliberative,
	}
}

// ProviderAPIKeyEnv is the environment variable consulted for a provider's API key.
func ProviderAPIKeyEnv(id string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return "CONCLAVE_PROVIDER_" + strings.ToUpper(r.Replace(id)) + "_API_KEY"
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
