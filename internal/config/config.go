package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/stellarlinkco/levelbot/internal/settings"
)

const (
	DefaultHost     = "0.0.0.0"
	DefaultPort     = 18790
	DefaultBufSize  = 100
	DefaultMaxLevel = 100

	DefaultMessagesSpec      = "@every 2s"
	DefaultActionsSpec       = "@every 2s"
	DefaultDecayProducerSpec = "@every 10m"
	DefaultDecayConsumerSpec = "@every 30s"
	DefaultSyncSpec          = "@every 1m"
)

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Store    StoreConfig    `json:"store"`
	Levels   LevelsConfig   `json:"levels"`
	Workers  WorkersConfig  `json:"workers"`
	XP       XPConfig       `json:"xp"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

// GatewayConfig is the HTTP status and admin listener.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

// LevelsConfig selects the level table. An empty Path uses the built-in curve
// up to MaxLevel.
type LevelsConfig struct {
	Path     string `json:"path,omitempty"`
	MaxLevel int    `json:"maxLevel,omitempty"`
}

// WorkersConfig holds one cron spec per periodic worker.
type WorkersConfig struct {
	Messages      string `json:"messages"`
	Actions       string `json:"actions"`
	DecayProducer string `json:"decayProducer"`
	DecayConsumer string `json:"decayConsumer"`
	Sync          string `json:"sync"`
}

type XPConfig struct {
	// SerializeMutations runs every mutation under one exclusive lock.
	SerializeMutations bool           `json:"serializeMutations"`
	Defaults           settings.Guild `json:"defaults"`
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Store: StoreConfig{
			DBPath: DefaultDBPath(),
		},
		Levels: LevelsConfig{
			MaxLevel: DefaultMaxLevel,
		},
		Workers: WorkersConfig{
			Messages:      DefaultMessagesSpec,
			Actions:       DefaultActionsSpec,
			DecayProducer: DefaultDecayProducerSpec,
			DecayConsumer: DefaultDecayConsumerSpec,
			Sync:          DefaultSyncSpec,
		},
		XP: XPConfig{
			SerializeMutations: true,
			Defaults:           settings.Default(""),
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".levelbot")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DefaultDBPath() string {
	return filepath.Join(ConfigDir(), "data", "levelbot.db")
}

// SchedulerStatePath is where the gateway keeps worker run statistics.
func SchedulerStatePath() string {
	return filepath.Join(ConfigDir(), "data", "scheduler.json")
}

// LevelsPath is where onboard writes the example level table.
func LevelsPath() string {
	return filepath.Join(ConfigDir(), "levels.yaml")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if token := os.Getenv("LEVELBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
		cfg.Channels.Telegram.Enabled = true
	}
	if proxy := os.Getenv("LEVELBOT_TELEGRAM_PROXY"); proxy != "" {
		cfg.Channels.Telegram.Proxy = proxy
	}
	if dbPath := os.Getenv("LEVELBOT_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if path := os.Getenv("LEVELBOT_LEVELS_PATH"); path != "" {
		cfg.Levels.Path = path
	}
	if maxLevel := os.Getenv("LEVELBOT_MAX_LEVEL"); maxLevel != "" {
		if parsed, err := strconv.Atoi(maxLevel); err == nil {
			cfg.Levels.MaxLevel = parsed
		}
	}
	if host := os.Getenv("LEVELBOT_GATEWAY_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("LEVELBOT_GATEWAY_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Gateway.Port = parsed
		}
	}
	if serialize := os.Getenv("LEVELBOT_SERIALIZE_MUTATIONS"); serialize != "" {
		if parsed, err := strconv.ParseBool(serialize); err == nil {
			cfg.XP.SerializeMutations = parsed
		}
	}

	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultDBPath()
	}
	if cfg.Levels.MaxLevel <= 0 {
		cfg.Levels.MaxLevel = DefaultMaxLevel
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}
	cfg.Workers.fillDefaults()
	cfg.XP.Defaults.GuildID = ""

	return cfg, nil
}

func (w *WorkersConfig) fillDefaults() {
	if w.Messages == "" {
		w.Messages = DefaultMessagesSpec
	}
	if w.Actions == "" {
		w.Actions = DefaultActionsSpec
	}
	if w.DecayProducer == "" {
		w.DecayProducer = DefaultDecayProducerSpec
	}
	if w.DecayConsumer == "" {
		w.DecayConsumer = DefaultDecayConsumerSpec
	}
	if w.Sync == "" {
		w.Sync = DefaultSyncSpec
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
