package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvRabbitMQPassword, "")
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "harvester_db", cfg.Database.Database)
				assert.Equal(t, "guest", cfg.RabbitMQ.Password)
				assert.Equal(t, "spider_results", cfg.RabbitMQ.Queues.Result)
				assert.Equal(t, 2, cfg.Worker.Concurrency)
				assert.Equal(t, 15*time.Minute, cfg.Worker.StopTTL)
				assert.Equal(t, []string{"image", "media", "font"}, cfg.Browser.BlockResources)
				assert.Equal(t, 60, cfg.Solver.MaxTicks)
				assert.Equal(t, `(\d{6})`, cfg.Solver.Mailbox.Pattern)
				assert.Equal(t, 5*time.Second, cfg.Harvest.PageTimeout)
				assert.Equal(t, "configs/cookies.json", cfg.Spider("timeline").Cookies)
				assert.Equal(t, "harvester", cfg.App.Name)
			}
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvRabbitMQPassword, "from-env")
	t.Setenv(EnvRuCaptchaAPIKey, " captcha-env ")
	t.Setenv(EnvIMAPPassword, "")

	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.RabbitMQ.Password)
	assert.Equal(t, "captcha-env", cfg.Solver.RuCaptcha.APIKey)
	assert.Equal(t, "secret", cfg.Solver.Mailbox.Password, "empty env values do not override")
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5672, cfg.RabbitMQ.Port)
	assert.Equal(t, "/", cfg.RabbitMQ.VHost)
	assert.Equal(t, "spider_control", cfg.RabbitMQ.Queues.Control)
	assert.Equal(t, 2*time.Second, cfg.RabbitMQ.Consumer.IdleBackoff)
	assert.Equal(t, 1, cfg.RabbitMQ.Consumer.PrefetchCount)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 3, cfg.Worker.Attempts)
	assert.Equal(t, 10*time.Minute, cfg.Worker.StopTTL)
	assert.Equal(t, 5*time.Second, cfg.Solver.Tick)
	assert.Equal(t, 60, cfg.Solver.MaxTicks)
	assert.Equal(t, 10, cfg.Solver.Mailbox.Limit)
	assert.Equal(t, time.Minute, cfg.Solver.Mailbox.Skew)

	t.Run("keeps explicit values", func(t *testing.T) {
		cfg := Config{Worker: WorkerConfig{Concurrency: 4}}
		cfg.ApplyDefaults()
		assert.Equal(t, 4, cfg.Worker.Concurrency)
	})
}

func TestConfig_Queues(t *testing.T) {
	cfg := &Config{
		RabbitMQ: RabbitMQConfig{Queues: QueuesConfig{Reply: "replies"}},
		Spiders: map[string]SpiderConfig{
			"timeline": {TaskQueue: "tl_in", ReplyQueue: "tl_out"},
		},
	}

	assert.Equal(t, "tl_in", cfg.TaskQueue("timeline"))
	assert.Equal(t, "tl_out", cfg.ReplyQueue("timeline"))
	assert.Equal(t, "login_tasks", cfg.TaskQueue("login"))
	assert.Equal(t, "replies", cfg.ReplyQueue("login"))
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "harvester_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Queues: QueuesConfig{
				Result:  "spider_results",
				Error:   "spider_errors",
				Control: "spider_control",
			},
		},
		Worker: WorkerConfig{
			Concurrency:     1,
			Attempts:        3,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty control queue",
			mutate:    func(c *Config) { c.RabbitMQ.Queues.Control = "" },
			errString: "rabbitmq control queue is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:   "database is optional",
			mutate: func(c *Config) { c.Database = DatabaseConfig{} },
		},
		{
			name: "enabled database is validated",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Database = ""
			},
			errString: "database name is required",
		},
		{
			name:      "invalid rabbitmq port",
			mutate:    func(c *Config) { c.RabbitMQ.Port = 0 },
			errString: "invalid rabbitmq port",
		},
		{
			name:      "missing result queue",
			mutate:    func(c *Config) { c.RabbitMQ.Queues.Result = "" },
			errString: "rabbitmq result queue is required",
		},
		{
			name:      "missing error queue",
			mutate:    func(c *Config) { c.RabbitMQ.Queues.Error = "" },
			errString: "rabbitmq error queue is required",
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero attempts",
			mutate:    func(c *Config) { c.Worker.Attempts = 0 },
			errString: "worker attempts must be greater than 0",
		},
		{
			name: "metrics port checked when enabled",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Port = 70000
			},
			errString: "invalid metrics port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
