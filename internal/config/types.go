package config

import "time"

// DefaultMaxHops bounds republish-to-self chains when a group does not set max_hops.
const DefaultMaxHops = 1000

// Config represents the complete procpool configuration.
type Config struct {
	Include  []string       `yaml:"include,omitempty"`
	Service  ServiceConfig  `yaml:"service"`
	API      APIConfig      `yaml:"api,omitempty"`
	Journal  JournalConfig  `yaml:"journal,omitempty"`
	Webhooks WebhooksConfig `yaml:"webhooks,omitempty"`
	Broker   BrokerConfig   `yaml:"broker"`
	Groups   []GroupConfig  `yaml:"groups" validate:"required,min=1,dive"`

	// SourceFiles lists the absolute paths of the root file and every include.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat       string        `yaml:"log_format" validate:"omitempty,oneof=json text"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
	PIDFile         string        `yaml:"pid_file,omitempty"`
}

// APIConfig defines the status API server.
type APIConfig struct {
	Enabled bool             `yaml:"enabled"`
	Listen  string           `yaml:"listen" validate:"required_if=Enabled true"`
	APIKey  string           `yaml:"api_key,omitempty"`
	Tokens  []APITokenConfig `yaml:"tokens,omitempty" validate:"dive"`
}

// APITokenConfig is a scoped bearer token. Scopes are status:ro, queues:rw or *.
type APITokenConfig struct {
	Token  string   `yaml:"token" validate:"required"`
	Scopes []string `yaml:"scopes" validate:"min=1,dive,oneof=status:ro queues:rw *"`
}

// JournalConfig defines the sqlite task journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// WebhooksConfig defines signed HTTP endpoints that publish into queues.
type WebhooksConfig struct {
	Listen    string                  `yaml:"listen" validate:"required_with=Endpoints"`
	Endpoints []WebhookEndpointConfig `yaml:"endpoints,omitempty" validate:"dive"`
}

// WebhookEndpointConfig maps one URL path to a queue.
type WebhookEndpointConfig struct {
	Path            string `yaml:"path" validate:"required,startswith=/"`
	Queue           string `yaml:"queue" validate:"required"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header" validate:"required"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix. Empty means 1MB.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// BrokerConfig is the process-wide broker connection.
type BrokerConfig struct {
	Type     string   `yaml:"type" validate:"required,oneof=amqp kafka redis memory"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port" validate:"gte=0,lte=65535"`
	Brokers  []string `yaml:"brokers,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	VHost    string   `yaml:"vhost,omitempty"`
	Prefetch int      `yaml:"prefetch" validate:"gte=0"`
	// Queue is the default queue for groups that do not name one.
	Queue   string      `yaml:"queue,omitempty"`
	Durable bool        `yaml:"durable"`
	Kafka   KafkaConfig `yaml:"kafka,omitempty"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
	Retry   RetryConfig `yaml:"retry,omitempty"`
}

// KafkaConfig holds settings that only apply to type kafka.
type KafkaConfig struct {
	GroupID     string `yaml:"group_id"`
	KeyType     string `yaml:"key_type" validate:"omitempty,oneof=string int64 int32"`
	KeyEncoding string `yaml:"key_encoding,omitempty" validate:"omitempty,oneof=decimal binary"`
}

// RedisConfig holds settings that only apply to type redis.
type RedisConfig struct {
	DB        int           `yaml:"db" validate:"gte=0"`
	Group     string        `yaml:"group,omitempty"`
	ClaimIdle time.Duration `yaml:"claim_idle,omitempty"`
}

// RetryConfig bounds reconnect attempts after a broker connection loss.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=0"`
	BackoffBase time.Duration `yaml:"backoff_base" validate:"gte=0"`
	BackoffMax  time.Duration `yaml:"backoff_max" validate:"gte=0"`
}

// GroupConfig defines one worker group: a queue, a command and a unit count.
type GroupConfig struct {
	Name            string            `yaml:"name" validate:"required"`
	Queue           string            `yaml:"queue,omitempty"`
	Command         string            `yaml:"command" validate:"required"`
	Args            []string          `yaml:"args,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"`
	Dir             string            `yaml:"dir,omitempty"`
	Units           int               `yaml:"units" validate:"gte=0"`
	TaskTimeout     time.Duration     `yaml:"task_timeout,omitempty" validate:"gte=0"`
	RestartAttempts int               `yaml:"restart_attempts,omitempty" validate:"gte=0"`
	// MaxHops of 0 disables the hop guard. Unset means DefaultMaxHops.
	MaxHops   *int          `yaml:"max_hops,omitempty"`
	StopGrace time.Duration `yaml:"stop_grace,omitempty" validate:"gte=0"`
	SubGroups []GroupConfig `yaml:"sub_groups,omitempty" validate:"dive"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "procpool",
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 30 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8081",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "./data/journal.db",
		},
		Broker: BrokerConfig{
			Prefetch: 0,
			Kafka:    KafkaConfig{KeyType: "string"},
			Redis:    RedisConfig{Group: "procpool"},
			Retry: RetryConfig{
				MaxAttempts: 5,
				BackoffBase: 500 * time.Millisecond,
				BackoffMax:  30 * time.Second,
			},
		},
	}
}

// DefaultGroupConfig returns default group configuration.
func DefaultGroupConfig() GroupConfig {
	hops := DefaultMaxHops
	return GroupConfig{
		Units:           1,
		RestartAttempts: 3,
		MaxHops:         &hops,
		StopGrace:       5 * time.Second,
	}
}

// HopLimit returns the effective hop limit for g; 0 means unlimited.
func (g GroupConfig) HopLimit() int {
	if g.MaxHops == nil {
		return DefaultMaxHops
	}
	return *g.MaxHops
}

// DefaultRedisClaimIdle is the smallest claim_idle applied when none is set.
const DefaultRedisClaimIdle = time.Minute

// defaultClaimIdle is twice the longest task_timeout, at least
// DefaultRedisClaimIdle, so a pending entry is not reclaimed from a consumer
// that is still inside its task timeout.
func (c *Config) defaultClaimIdle() time.Duration {
	idle := DefaultRedisClaimIdle
	for _, g := range c.AllGroups() {
		if 2*g.TaskTimeout > idle {
			idle = 2 * g.TaskTimeout
		}
	}
	return idle
}

// AllGroups flattens groups and their sub-groups, depth first.
func (c *Config) AllGroups() []GroupConfig {
	var out []GroupConfig
	var walk func([]GroupConfig)
	walk = func(gs []GroupConfig) {
		for _, g := range gs {
			out = append(out, g)
			walk(g.SubGroups)
		}
	}
	walk(c.Groups)
	return out
}
