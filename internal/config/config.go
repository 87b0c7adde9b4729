// Package config loads SafeRun's configuration from an optional YAML file,
// a .env file, and environment variable overrides, in that order of
// increasing precedence.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Provider  ProviderConfig  `yaml:"provider"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Policy    PolicyConfig    `yaml:"policy"`
}

type ServerConfig struct {
	Port            string   `yaml:"port"`
	Env             string   `yaml:"env"`
	BaseURL         string   `yaml:"base_url"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	AdminAllowlist  []string `yaml:"admin_allowlist"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"` // "postgres" | "supabase"
	DatabaseURL string `yaml:"database_url"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

type CryptoConfig struct {
	EncryptionKeyB64 string `yaml:"encryption_key_b64"`
}

type ProviderConfig struct {
	GitHubAppID         string   `yaml:"github_app_id"`
	GitHubAppPrivateKey string   `yaml:"github_app_private_key"`
	GitHubWebhookSecret string   `yaml:"github_webhook_secret"`
	BotLogins           []string `yaml:"bot_logins"`
	RequestTimeoutSec   int      `yaml:"request_timeout_sec"`
}

type NotifierConfig struct {
	ChatSigningSecret    string `yaml:"chat_signing_secret"`
	WorkerCount          int    `yaml:"worker_count"`
	QueueSize            int    `yaml:"queue_size"`
	MaxRetries           int    `yaml:"max_retries"`
	PerAttemptTimeoutSec int    `yaml:"per_attempt_timeout_sec"`
	PubSubProjectID      string `yaml:"pubsub_project_id"`
	PubSubTopicID        string `yaml:"pubsub_topic_id"`
	CloudTasksProjectID  string `yaml:"cloudtasks_project_id"`
	CloudTasksLocationID string `yaml:"cloudtasks_location_id"`
	CloudTasksQueueID    string `yaml:"cloudtasks_queue_id"`
	SMTPHost             string `yaml:"smtp_host"`
	SMTPFrom             string `yaml:"smtp_from"`
}

type RateLimitConfig struct {
	MaxCallsPerMinute int    `yaml:"max_calls_per_minute"`
	BurstSize         int    `yaml:"burst_size"`
	RedisURL          string `yaml:"redis_url"`
}

type SchedulerConfig struct {
	SweepIntervalSec int    `yaml:"sweep_interval_sec"`
	LockRedisURL     string `yaml:"lock_redis_url"`
}

type PolicyConfig struct {
	DefaultPolicyPath string `yaml:"default_policy_path"`
}

// Load reads an optional YAML file, loads .env, and applies environment
// overrides in that order. The composition root (cmd/server) is the only
// call site — nothing else under internal/ reads os.Getenv directly.
func Load(yamlPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("config: .env load failed", "error", err)
	}

	cfg := &Config{}
	if yamlPath != "" {
		if f, err := os.Open(yamlPath); err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("SR_PORT", c.Server.Port)
	c.Server.Env = getEnv("SR_ENV", c.Server.Env)
	c.Server.BaseURL = getEnv("SR_BASE_URL", c.Server.BaseURL)
	if v := getEnv("SR_ADMIN_ALLOWLIST", ""); v != "" {
		c.Server.AdminAllowlist = splitCSV(v)
	}

	c.Store.Backend = getEnv("SR_STORAGE_BACKEND", c.Store.Backend)
	c.Store.DatabaseURL = getEnv("SR_DATABASE_URL", c.Store.DatabaseURL)
	c.Store.SupabaseURL = getEnv("SR_SUPABASE_URL", c.Store.SupabaseURL)
	c.Store.SupabaseKey = getEnv("SR_SUPABASE_KEY", c.Store.SupabaseKey)

	c.Crypto.EncryptionKeyB64 = getEnv("SR_ENCRYPTION_KEY", c.Crypto.EncryptionKeyB64)

	c.Provider.GitHubAppID = getEnv("SR_GITHUB_APP_ID", c.Provider.GitHubAppID)
	c.Provider.GitHubAppPrivateKey = getEnv("SR_GITHUB_APP_PRIVATE_KEY", c.Provider.GitHubAppPrivateKey)
	c.Provider.GitHubWebhookSecret = getEnv("SR_GITHUB_WEBHOOK_SECRET", c.Provider.GitHubWebhookSecret)
	if v := getEnv("SR_BOT_LOGINS", ""); v != "" {
		c.Provider.BotLogins = splitCSV(v)
	}
	c.Provider.RequestTimeoutSec = getEnvInt("SR_PROVIDER_TIMEOUT_SEC", c.Provider.RequestTimeoutSec)

	c.Notifier.ChatSigningSecret = getEnv("SR_CHAT_SIGNING_SECRET", c.Notifier.ChatSigningSecret)
	c.Notifier.WorkerCount = getEnvInt("SR_NOTIFIER_WORKERS", c.Notifier.WorkerCount)
	c.Notifier.QueueSize = getEnvInt("SR_NOTIFIER_QUEUE_SIZE", c.Notifier.QueueSize)
	c.Notifier.MaxRetries = getEnvInt("SR_NOTIFIER_MAX_RETRIES", c.Notifier.MaxRetries)
	c.Notifier.PerAttemptTimeoutSec = getEnvInt("SR_NOTIFIER_TIMEOUT_SEC", c.Notifier.PerAttemptTimeoutSec)
	c.Notifier.PubSubProjectID = getEnv("SR_PUBSUB_PROJECT", c.Notifier.PubSubProjectID)
	c.Notifier.PubSubTopicID = getEnv("SR_PUBSUB_TOPIC", c.Notifier.PubSubTopicID)
	c.Notifier.CloudTasksProjectID = getEnv("SR_CLOUDTASKS_PROJECT", c.Notifier.CloudTasksProjectID)
	c.Notifier.CloudTasksLocationID = getEnv("SR_CLOUDTASKS_LOCATION", c.Notifier.CloudTasksLocationID)
	c.Notifier.CloudTasksQueueID = getEnv("SR_CLOUDTASKS_QUEUE", c.Notifier.CloudTasksQueueID)
	c.Notifier.SMTPHost = getEnv("SR_SMTP_HOST", c.Notifier.SMTPHost)
	c.Notifier.SMTPFrom = getEnv("SR_SMTP_FROM", c.Notifier.SMTPFrom)

	c.RateLimit.MaxCallsPerMinute = getEnvInt("SR_RATE_LIMIT_PER_MINUTE", c.RateLimit.MaxCallsPerMinute)
	c.RateLimit.BurstSize = getEnvInt("SR_RATE_LIMIT_BURST", c.RateLimit.BurstSize)
	c.RateLimit.RedisURL = getEnv("SR_REDIS_URL", c.RateLimit.RedisURL)

	c.Scheduler.SweepIntervalSec = getEnvInt("SR_SCHEDULER_INTERVAL_SEC", c.Scheduler.SweepIntervalSec)
	c.Scheduler.LockRedisURL = getEnv("SR_SCHEDULER_LOCK_REDIS_URL", c.Scheduler.LockRedisURL)

	c.Policy.DefaultPolicyPath = getEnv("SR_DEFAULT_POLICY_PATH", c.Policy.DefaultPolicyPath)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "postgres"
	}
	if c.Provider.RequestTimeoutSec == 0 {
		c.Provider.RequestTimeoutSec = 15
	}
	if c.Notifier.WorkerCount == 0 {
		c.Notifier.WorkerCount = 4
	}
	if c.Notifier.QueueSize == 0 {
		c.Notifier.QueueSize = 1000
	}
	if c.Notifier.MaxRetries == 0 {
		c.Notifier.MaxRetries = 3
	}
	if c.Notifier.PerAttemptTimeoutSec == 0 {
		c.Notifier.PerAttemptTimeoutSec = 2
	}
	if c.RateLimit.MaxCallsPerMinute == 0 {
		c.RateLimit.MaxCallsPerMinute = 60
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = c.RateLimit.MaxCallsPerMinute * 2
	}
	if c.Scheduler.SweepIntervalSec == 0 {
		c.Scheduler.SweepIntervalSec = 300
	}
	if len(c.Provider.BotLogins) == 0 {
		c.Provider.BotLogins = []string{"saferun-ai[bot]", "SafeRun-AI[bot]"}
	}
}

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
