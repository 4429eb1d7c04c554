package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Environment variables that override secrets from the config file
const (
	EnvRabbitMQPassword = "RABBITMQ_PASSWORD"
	EnvDatabasePassword = "DATABASE_PASSWORD"
	EnvRuCaptchaAPIKey  = "RUCAPTCHA_API_KEY"
	EnvWitAIAccessKey   = "WIT_AI_ACCESS_KEY"
	EnvIMAPPassword     = "IMAP_PASSWORD"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig            `yaml:"server"`
	Database DatabaseConfig          `yaml:"database"`
	RabbitMQ RabbitMQConfig          `yaml:"rabbitmq"`
	Logging  LoggingConfig           `yaml:"logging"`
	App      AppConfig               `yaml:"app"`
	Worker   WorkerConfig            `yaml:"worker"`
	Browser  BrowserConfig           `yaml:"browser"`
	Solver   SolverConfig            `yaml:"solver"`
	Harvest  HarvestConfig           `yaml:"harvest"`
	Metrics  MetricsConfig           `yaml:"metrics"`
	Spiders  map[string]SpiderConfig `yaml:"spiders"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Queues     QueuesConfig     `yaml:"queues"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// QueuesConfig holds the queue names shared by every spider
type QueuesConfig struct {
	Reply      string `yaml:"reply"`
	Result     string `yaml:"result"`
	Error      string `yaml:"error"`
	Control    string `yaml:"control"`
	DeadLetter string `yaml:"dead_letter"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount   int           `yaml:"prefetch_count"`
	IdleBackoff     time.Duration `yaml:"idle_backoff"`
	IdleLogInterval time.Duration `yaml:"idle_log_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker mode configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	Attempts        int           `yaml:"attempts"`
	ControlHopLimit int           `yaml:"control_hop_limit"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StopTTL         time.Duration `yaml:"stop_ttl"`
}

// BrowserConfig holds headless browser settings
type BrowserConfig struct {
	BinPath           string        `yaml:"bin_path"`
	Headless          bool          `yaml:"headless"`
	NoSandbox         bool          `yaml:"no_sandbox"`
	Proxy             string        `yaml:"proxy"`
	UserAgent         string        `yaml:"user_agent"`
	ViewportWidth     int           `yaml:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	NavigationRetries int           `yaml:"navigation_retries"`
	BlockResources    []string      `yaml:"block_resources"`
	BlockURLs         []string      `yaml:"block_urls"`
}

// SolverConfig holds the external challenge solving services
type SolverConfig struct {
	Tick      time.Duration   `yaml:"tick"`
	MaxTicks  int             `yaml:"max_ticks"`
	RuCaptcha RuCaptchaConfig `yaml:"rucaptcha"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Speech    SpeechConfig    `yaml:"speech"`
}

// RuCaptchaConfig holds the token solving service settings
type RuCaptchaConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MailboxConfig holds the IMAP account receiving verification codes
type MailboxConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	Mailbox       string        `yaml:"mailbox"`
	SkipTLSVerify bool          `yaml:"skip_tls_verify"`
	Timeout       time.Duration `yaml:"timeout"`
	Limit         int           `yaml:"limit"`
	Skew          time.Duration `yaml:"skew"`
	Sender        string        `yaml:"sender"`
	Subject       string        `yaml:"subject"`
	Pattern       string        `yaml:"pattern"`
	Selector      string        `yaml:"selector"`
}

// SpeechConfig holds the speech-to-text service settings
type SpeechConfig struct {
	AccessKey string        `yaml:"access_key"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	AudioDir  string        `yaml:"audio_dir"`
}

// HarvestConfig holds the scroll-and-fetch loop bounds
type HarvestConfig struct {
	MaxZeroStreak int           `yaml:"max_zero_streak"`
	PageTimeout   time.Duration `yaml:"page_timeout"`
	MaxIterations int           `yaml:"max_iterations"`
}

// MetricsConfig holds the worker health/metrics server settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// SpiderConfig holds the per-spider settings
type SpiderConfig struct {
	TaskQueue  string `yaml:"task_queue"`
	ReplyQueue string `yaml:"reply_queue"`
	// Cookies is a JSON file with the browser cookies of an authorized session.
	Cookies  string `yaml:"cookies"`
	Email    string `yaml:"email"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
}

// Load reads and parses the configuration file, applies secret overrides
// from the environment and fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv(os.Getenv)
	config.ApplyDefaults()
	return &config, nil
}

// ApplyEnv overrides secrets with non-empty environment values
func (c *Config) ApplyEnv(getenv func(string) string) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.RabbitMQ.Password, EnvRabbitMQPassword)
	override(&c.Database.Password, EnvDatabasePassword)
	override(&c.Solver.RuCaptcha.APIKey, EnvRuCaptchaAPIKey)
	override(&c.Solver.Speech.AccessKey, EnvWitAIAccessKey)
	override(&c.Solver.Mailbox.Password, EnvIMAPPassword)
}

// ApplyDefaults fills zero values with working defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.RabbitMQ.Port == 0 {
		c.RabbitMQ.Port = 5672
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}
	if c.RabbitMQ.Queues.Control == "" {
		c.RabbitMQ.Queues.Control = "spider_control"
	}
	if c.RabbitMQ.Connection.RetryAttempts == 0 {
		c.RabbitMQ.Connection.RetryAttempts = 5
	}
	if c.RabbitMQ.Connection.RetryInterval == 0 {
		c.RabbitMQ.Connection.RetryInterval = 5 * time.Second
	}
	if c.RabbitMQ.Publish.RetryAttempts == 0 {
		c.RabbitMQ.Publish.RetryAttempts = 3
	}
	if c.RabbitMQ.Publish.RetryInterval == 0 {
		c.RabbitMQ.Publish.RetryInterval = time.Second
	}
	if c.RabbitMQ.Publish.BackoffMultiplier == 0 {
		c.RabbitMQ.Publish.BackoffMultiplier = 2
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 1
	}
	if c.RabbitMQ.Consumer.IdleBackoff == 0 {
		c.RabbitMQ.Consumer.IdleBackoff = 2 * time.Second
	}
	if c.RabbitMQ.Consumer.IdleLogInterval == 0 {
		c.RabbitMQ.Consumer.IdleLogInterval = time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.Attempts == 0 {
		c.Worker.Attempts = 3
	}
	if c.Worker.ControlHopLimit == 0 {
		c.Worker.ControlHopLimit = 10
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.StopTTL == 0 {
		c.Worker.StopTTL = 10 * time.Minute
	}

	if c.Solver.Tick == 0 {
		c.Solver.Tick = 5 * time.Second
	}
	if c.Solver.MaxTicks == 0 {
		c.Solver.MaxTicks = 60
	}
	if c.Solver.Mailbox.Limit == 0 {
		c.Solver.Mailbox.Limit = 10
	}
	if c.Solver.Mailbox.Skew == 0 {
		c.Solver.Mailbox.Skew = time.Minute
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// Spider returns the settings of a spider; the zero value when none exist
func (c *Config) Spider(name string) SpiderConfig {
	return c.Spiders[name]
}

// TaskQueue returns the queue a spider consumes tasks from
func (c *Config) TaskQueue(name string) string {
	if q := c.Spider(name).TaskQueue; q != "" {
		return q
	}
	return name + "_tasks"
}

// ReplyQueue returns the fallback reply queue of a spider
func (c *Config) ReplyQueue(name string) string {
	if q := c.Spider(name).ReplyQueue; q != "" {
		return q
	}
	return c.RabbitMQ.Queues.Reply
}

func validPort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	return validPort("rabbitmq", c.RabbitMQ.Port)
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if err := validPort("database", c.Database.Port); err != nil {
		return err
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	return nil
}

// ValidateAPIConfig checks the configuration needed by the API service
func (c *Config) ValidateAPIConfig() error {
	if err := validPort("server", c.Server.Port); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}
	if c.RabbitMQ.Queues.Control == "" {
		return fmt.Errorf("rabbitmq control queue is required")
	}
	return nil
}

// ValidateWorkerConfig checks the configuration needed by worker mode
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.RabbitMQ.Queues.Result == "" {
		return fmt.Errorf("rabbitmq result queue is required")
	}

	if c.RabbitMQ.Queues.Error == "" {
		return fmt.Errorf("rabbitmq error queue is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.Attempts <= 0 {
		return fmt.Errorf("worker attempts must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Database.Enabled {
		if err := c.validateDatabase(); err != nil {
			return err
		}
	}

	if c.Metrics.Enabled {
		if err := validPort("metrics", c.Metrics.Port); err != nil {
			return err
		}
	}

	return nil
}
