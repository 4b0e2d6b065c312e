package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	// Server
	ServerPort string `yaml:"server_port"`
	LogLevel   string `yaml:"log_level"`

	// State store
	StateDir     string        `yaml:"state_dir"`
	LockPoll     time.Duration `yaml:"lock_poll"`
	LockTimeout  time.Duration `yaml:"lock_timeout"`
	InventoryCSV string        `yaml:"inventory_csv"`

	// Monitoring
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	TailLines       int           `yaml:"tail_lines"`

	// Job lifecycle
	MaxResumeDepth int `yaml:"max_resume_depth"`

	// Provisioning
	ProvisionRetryFor time.Duration `yaml:"provision_retry_for"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RetryJitter       time.Duration `yaml:"retry_jitter"`
	ReadyPollEvery    time.Duration `yaml:"ready_poll_every"`
	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	MountCommand      string        `yaml:"mount_command"`
	SmokeTestCommand  string        `yaml:"smoke_test_command"`
	KillCommand       string        `yaml:"kill_command"`

	// AWS
	AWSRegion string `yaml:"aws_region"`
	AWSImage  string `yaml:"aws_image"`
	SSHUser   string `yaml:"ssh_user"`
}

// Load loads configuration from an optional YAML file, then applies
// environment variable overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ServerPort = getEnv("FLEET_SERVER_PORT", cfg.ServerPort)
	cfg.LogLevel = getEnv("FLEET_LOG_LEVEL", cfg.LogLevel)
	cfg.StateDir = getEnv("FLEET_STATE_DIR", cfg.StateDir)
	cfg.InventoryCSV = getEnv("FLEET_INVENTORY_CSV", cfg.InventoryCSV)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.AWSImage = getEnv("FLEET_AWS_IMAGE", cfg.AWSImage)
	cfg.SSHUser = getEnv("FLEET_SSH_USER", cfg.SSHUser)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServerPort:        "8080",
		LogLevel:          "info",
		StateDir:          "/var/lib/accel-fleet",
		LockPoll:          10 * time.Second,
		LockTimeout:       30 * time.Minute,
		InventoryCSV:      "/var/lib/accel-fleet/inventory.csv",
		MonitorInterval:   15 * time.Minute,
		TailLines:         50,
		MaxResumeDepth:    10,
		ProvisionRetryFor: 10 * time.Minute,
		RetryDelay:        30 * time.Second,
		RetryJitter:       5 * time.Second,
		ReadyPollEvery:    15 * time.Second,
		ReadyTimeout:      15 * time.Minute,
		MountCommand:      "mount-shared",
		SmokeTestCommand:  "smoke-test",
		KillCommand:       "pkill -f trainer || true",
		AWSRegion:         "us-east-1",
		SSHUser:           "ubuntu",
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
