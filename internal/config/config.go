package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Claude    ClaudeConfig    `yaml:"claude"`
	Storage   StorageConfig   `yaml:"storage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type TransportConfig struct {
	WSURL              string `yaml:"ws_url"`
	Token              string `yaml:"token"`
	ReconnectBackoffMs []int  `yaml:"reconnect_backoff_ms"`
}

type ClaudeConfig struct {
	Bin               string  `yaml:"bin"`
	Model             string  `yaml:"model"`
	PermissionMode    string  `yaml:"permission_mode"`
	AllowedTools      string  `yaml:"allowed_tools"`
	ProjectsDir       string  `yaml:"projects_dir"`
	DefaultWorkingDir string  `yaml:"default_working_dir"`
	MaxBudgetUSD      float64 `yaml:"max_budget_usd"`
	ApprovalTimeoutMs int     `yaml:"approval_timeout_ms"`
}

type StorageConfig struct {
	StateDir         string `yaml:"state_dir"`
	OutboundQueueMax int    `yaml:"outbound_queue_max"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	// Optional environment override for the transport secret.
	if envToken := os.Getenv("BRIDGED_TRANSPORT_TOKEN"); envToken != "" {
		cfg.Transport.Token = envToken
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	home, _ := os.UserHomeDir()

	if cfg.Claude.Bin == "" {
		cfg.Claude.Bin = "claude"
	}
	if cfg.Claude.Model == "" {
		cfg.Claude.Model = "sonnet"
	}
	if cfg.Claude.ProjectsDir == "" && home != "" {
		cfg.Claude.ProjectsDir = filepath.Join(home, ".claude", "projects")
	}
	if cfg.Claude.DefaultWorkingDir == "" && home != "" {
		cfg.Claude.DefaultWorkingDir = home
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "/var/lib/bridged"
	}
	if cfg.Storage.OutboundQueueMax == 0 {
		cfg.Storage.OutboundQueueMax = 50000
	}
	if len(cfg.Transport.ReconnectBackoffMs) == 0 {
		cfg.Transport.ReconnectBackoffMs = []int{250, 500, 1000, 2000, 5000}
	}
}
