package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Worker        WorkerConfig        `yaml:"worker"`
	Limits        LimitsConfig        `yaml:"limits"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Retention     RetentionConfig     `yaml:"retention"`
	Scanner       ScannerConfig       `yaml:"scanner"`
	Verify        VerifyConfig        `yaml:"verify"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type WorkerConfig struct {
	Count                int           `yaml:"count"`
	PollMin              time.Duration `yaml:"poll_min"`
	PollMax              time.Duration `yaml:"poll_max"`
	LeaseSeconds         int           `yaml:"lease_seconds"`
	PipelineLeaseSeconds int           `yaml:"pipeline_lease_seconds"`
	MaxAttempts          int           `yaml:"max_attempts"`
	RetryBackoffBase     time.Duration `yaml:"retry_backoff_base"`
}

func (w WorkerConfig) Lease() time.Duration {
	return time.Duration(w.LeaseSeconds) * time.Second
}

func (w WorkerConfig) PipelineLease() time.Duration {
	return time.Duration(w.PipelineLeaseSeconds) * time.Second
}

type LimitsConfig struct {
	MaxConcurrentJobsGlobal    int           `yaml:"max_concurrent_jobs_global"`
	MaxConcurrentJobsPerTarget int           `yaml:"max_concurrent_jobs_per_target"`
	RunDeadline                time.Duration `yaml:"run_deadline"`
}

type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds"`
}

type RetentionConfig struct {
	RawOutputDays     int    `yaml:"raw_output_days"`
	CompletedRunsDays int    `yaml:"completed_runs_days"`
	SweepSpec         string `yaml:"sweep_spec"`
}

type ScannerConfig struct {
	ToolsContainer string `yaml:"tools_container"`
	RawOutputCap   int    `yaml:"raw_output_cap"`
	StreamBuffer   int    `yaml:"stream_buffer"`
}

type VerifyConfig struct {
	Resolvers  []string      `yaml:"resolvers"`
	DNSTimeout time.Duration `yaml:"dns_timeout"`
	TCPTimeout time.Duration `yaml:"tcp_timeout"`
}

type NotificationsConfig struct {
	MinSeverity string            `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.URL == "" {
		c.Database.URL = os.Getenv("DATABASE_URL")
	}
	if c.Database.URL == "" {
		c.Database.URL = "host=localhost port=5432 user=asm password=asm dbname=asm sslmode=disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Worker.Count == 0 {
		c.Worker.Count = 4
	}
	if c.Worker.PollMin == 0 {
		c.Worker.PollMin = 50 * time.Millisecond
	}
	if c.Worker.PollMax == 0 {
		c.Worker.PollMax = 500 * time.Millisecond
	}
	if c.Worker.LeaseSeconds == 0 {
		c.Worker.LeaseSeconds = envInt("LEASE_DURATION_SECONDS", 300)
	}
	if c.Worker.PipelineLeaseSeconds == 0 {
		c.Worker.PipelineLeaseSeconds = 7200
	}
	if c.Worker.MaxAttempts == 0 {
		c.Worker.MaxAttempts = 3
	}
	if c.Worker.RetryBackoffBase == 0 {
		c.Worker.RetryBackoffBase = 10 * time.Second
	}

	if c.Limits.MaxConcurrentJobsGlobal == 0 {
		c.Limits.MaxConcurrentJobsGlobal = envInt("MAX_CONCURRENT_JOBS_GLOBAL", 5)
	}
	if c.Limits.MaxConcurrentJobsPerTarget == 0 {
		c.Limits.MaxConcurrentJobsPerTarget = envInt("MAX_CONCURRENT_JOBS_PER_TARGET", 2)
	}
	if c.Limits.RunDeadline == 0 {
		c.Limits.RunDeadline = 4 * time.Hour
	}

	if c.Scheduler.TickSeconds == 0 {
		c.Scheduler.TickSeconds = envInt("SCHEDULER_TICK_SECONDS", 10)
	}

	if c.Retention.RawOutputDays == 0 {
		c.Retention.RawOutputDays = envInt("RETENTION_RAW_OUTPUT_DAYS", 30)
	}
	if c.Retention.CompletedRunsDays == 0 {
		c.Retention.CompletedRunsDays = envInt("RETENTION_COMPLETED_RUNS_DAYS", 90)
	}
	if c.Retention.SweepSpec == "" {
		c.Retention.SweepSpec = "0 3 * * *"
	}

	if c.Scanner.ToolsContainer == "" {
		c.Scanner.ToolsContainer = os.Getenv("TOOLS_CONTAINER")
	}
	if c.Scanner.ToolsContainer == "" {
		c.Scanner.ToolsContainer = "asm-tools"
	}
	if c.Scanner.RawOutputCap == 0 {
		c.Scanner.RawOutputCap = 50000
	}
	if c.Scanner.StreamBuffer == 0 {
		c.Scanner.StreamBuffer = 1024
	}

	if len(c.Verify.Resolvers) == 0 {
		c.Verify.Resolvers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}
	if c.Verify.DNSTimeout == 0 {
		c.Verify.DNSTimeout = 3 * time.Second
	}
	if c.Verify.TCPTimeout == 0 {
		c.Verify.TCPTimeout = 3 * time.Second
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = "high"
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}
}
