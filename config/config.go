package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// Telegram bot API refuses documents larger than 2000MiB.
	MaxUploadPartSize = 2000 * 1024 * 1024

	DefaultMaxConcurrentTasks = 3
	DefaultPerOwnerTasks      = 1
	DefaultFreeDailyQuota     = 5
)

type Config struct {
	ScratchBaseDir     string  `json:"scratch_base_dir"     yaml:"scratch_base_dir"`
	DBPath             string  `json:"db_path"              yaml:"db_path"`
	CredsDir           string  `json:"creds_dir"            yaml:"creds_dir"`
	OwnerID            int64   `json:"owner_id"             yaml:"owner_id"`
	AuthorizedChatIDs  []int64 `json:"authorized_chat_ids"  yaml:"authorized_chat_ids"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	PerOwnerTasks      int     `json:"per_owner_tasks"      yaml:"per_owner_tasks"`
	FreeDailyQuota     int     `json:"free_daily_quota"     yaml:"free_daily_quota"`
}

func (cfg *Config) validate() error {
	if cfg.ScratchBaseDir == "" {
		return errors.New("scratch base dir is empty")
	}

	if cfg.DBPath == "" {
		return errors.New("db path is empty")
	}

	if cfg.OwnerID == 0 {
		return errors.New("owner ID is empty")
	}

	if cfg.MaxConcurrentTasks < 0 || cfg.PerOwnerTasks < 0 || cfg.FreeDailyQuota < 0 {
		return errors.New("task limits must not be negative")
	}

	return nil
}

func (cfg *Config) applyDefaults() {
	if cfg.CredsDir == "" {
		cfg.CredsDir = "creds"
	}

	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}

	if cfg.PerOwnerTasks == 0 {
		cfg.PerOwnerTasks = DefaultPerOwnerTasks
	}

	if cfg.FreeDailyQuota == 0 {
		cfg.FreeDailyQuota = DefaultFreeDailyQuota
	}
}

func FromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if nil != err {
		return nil, fmt.Errorf("failed to read config file %q: %v", filePath, err)
	}

	return fromBytes(data)
}

func FromString(data string) (*Config, error) {
	return fromBytes([]byte(data))
}

func fromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); nil != err {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); nil != err {
		return nil, fmt.Errorf("validation failed: %v", err)
	}

	return &cfg, nil
}
