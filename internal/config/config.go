// Package config loads the aegis configuration file and applies environment
// overrides for credentials and connection strings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Queues      QueueConfig       `yaml:"queues"`
	Grouper     GrouperConfig     `yaml:"grouper"`
	Escalations EscalationConfig  `yaml:"escalations"`
	Agents      AgentConfig       `yaml:"agents"`
	Notify      NotifyConfig      `yaml:"notification"`
	Ticket      TicketConfig      `yaml:"ticket"`
	Blocklist   BlocklistConfig   `yaml:"blocklist"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `yaml:"url"` // overridden by AEGIS_DATABASE_URL
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
}

// QueueConfig holds worker-pool and queue settings.
type QueueConfig struct {
	SingleWorkers  int           `yaml:"single_workers"`
	GroupWorkers   int           `yaml:"group_workers"`
	SingleCap      int           `yaml:"single_cap"` // max concurrent running single jobs
	GroupCap       int           `yaml:"group_cap"`  // max concurrent running group jobs
	PollInterval   time.Duration `yaml:"poll_interval"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"` // running age before reset-if-stuck applies
	DrainTimeout   time.Duration `yaml:"drain_timeout"`   // graceful shutdown budget for in-flight jobs
	MaxAttempts    int           `yaml:"max_attempts"`
}

// GrouperConfig holds the grouping schedule.
type GrouperConfig struct {
	Interval    time.Duration `yaml:"interval"`
	AutoEnqueue bool          `yaml:"auto_enqueue"` // enqueue a group job for every new group
}

// EscalationConfig holds the escalation processor schedule.
type EscalationConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchLimit int           `yaml:"batch_limit"`
}

// AgentConfig holds the agent function handles and invocation policy.
type AgentConfig struct {
	Region          string          `yaml:"region"`
	SingleFunction  string          `yaml:"single_function"`
	GroupFunction   string          `yaml:"group_function"`
	MonitorFunction string          `yaml:"monitor_function"`
	RetryDelays     []time.Duration `yaml:"retry_delays"`
	CallTimeout     time.Duration   `yaml:"call_timeout"`
	MaxConcurrent   int             `yaml:"max_concurrent"`
	RatePerMinute   int             `yaml:"rate_per_minute"` // 0 = unlimited
	MonitorWindow   time.Duration   `yaml:"monitor_window"`
	MonitorMinEvents int            `yaml:"monitor_min_events"`
}

// NotifyConfig holds the notification sink handles.
type NotifyConfig struct {
	CriticalTopicARN   string `yaml:"critical_topic_arn"`
	MonitoringTopicARN string `yaml:"monitoring_topic_arn"`
}

// TicketConfig holds the incident API handles.
type TicketConfig struct {
	BaseURL  string      `yaml:"base_url"`
	User     string      `yaml:"user"`
	Password string      `yaml:"password"` // overridden by AEGIS_TICKET_PASSWORD
	Urgency  map[int]int `yaml:"urgency"`  // severity -> urgency, defaults applied if empty
}

// BlocklistConfig holds the managed IP set handles.
type BlocklistConfig struct {
	Region    string `yaml:"region"`
	IPSetID   string `yaml:"ipset_id"`
	IPSetName string `yaml:"ipset_name"`
	Scope     string `yaml:"scope"` // REGIONAL or CLOUDFRONT
}

// MetricsConfig holds the metrics listener settings.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the listener
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxConns:        25,
			MinConns:        5,
			MaxConnLifetime: time.Hour,
		},
		Queues: QueueConfig{
			SingleWorkers:  3,
			GroupWorkers:   2,
			SingleCap:      3,
			GroupCap:       2,
			PollInterval:   3 * time.Second,
			StuckThreshold: 5 * time.Minute,
			DrainTimeout:   10 * time.Minute,
			MaxAttempts:    3,
		},
		Grouper: GrouperConfig{
			Interval:    5 * time.Minute,
			AutoEnqueue: true,
		},
		Escalations: EscalationConfig{
			Interval:   5 * time.Minute,
			BatchLimit: 50,
		},
		Agents: AgentConfig{
			RetryDelays:      []time.Duration{0, 60 * time.Second, 90 * time.Second, 120 * time.Second},
			CallTimeout:      3 * time.Minute,
			MaxConcurrent:    4,
			MonitorWindow:    time.Hour,
			MonitorMinEvents: 5,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file, layers it over the defaults, and applies
// environment overrides. A missing path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.applyEnv()
				return cfg, nil
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment overrides for secrets and endpoints so they
// never need to live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("AEGIS_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("AEGIS_TICKET_PASSWORD"); v != "" {
		c.Ticket.Password = v
	}
	if v := os.Getenv("AEGIS_TICKET_USER"); v != "" {
		c.Ticket.User = v
	}
}

func (c *Config) validate() error {
	if c.Queues.GroupCap < 1 {
		return fmt.Errorf("queues.group_cap must be at least 1 (got %d)", c.Queues.GroupCap)
	}
	if c.Queues.SingleCap < 1 {
		return fmt.Errorf("queues.single_cap must be at least 1 (got %d)", c.Queues.SingleCap)
	}
	if c.Queues.MaxAttempts < 1 {
		return fmt.Errorf("queues.max_attempts must be at least 1 (got %d)", c.Queues.MaxAttempts)
	}
	if len(c.Agents.RetryDelays) == 0 {
		return fmt.Errorf("agents.retry_delays must not be empty")
	}
	return nil
}
