package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// QuotaConfig limits how aggressively a single initiator may use the router.
type QuotaConfig struct {
	MaxRequestsPerMin  uint32 `toml:"MaxRequestsPerMin"`
	MaxDepositPerEpoch uint64 `toml:"MaxDepositPerEpoch"`
	EpochSeconds       uint32 `toml:"EpochSeconds"`
}

// Config captures the runtime configuration for the swaprouted daemon.
type Config struct {
	ListenAddress string      `toml:"ListenAddress"`
	DataDir       string      `toml:"DataDir"`
	Env           string      `toml:"Env"`
	MarketCatalog string      `toml:"MarketCatalog"`
	FeeBps        uint32      `toml:"FeeBps"`
	FeeCollector  string      `toml:"FeeCollector"`
	PauseOnStart  bool        `toml:"PauseOnStart"`
	Quota         QuotaConfig `toml:"Quota"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("nil config")
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("ListenAddress must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("DataDir must not be empty")
	}
	if c.FeeBps > 10_000 {
		return fmt.Errorf("FeeBps must not exceed 10000")
	}
	if c.FeeBps > 0 && strings.TrimSpace(c.FeeCollector) == "" {
		return fmt.Errorf("FeeCollector required when FeeBps is set")
	}
	if collector := strings.TrimSpace(c.FeeCollector); collector != "" {
		if _, err := ParseAddress(collector); err != nil {
			return fmt.Errorf("FeeCollector: %w", err)
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: "0.0.0.0:8651",
		DataDir:       "./swaproute-data",
		MarketCatalog: "./markets.yaml",
		FeeBps:        0,
		Quota: QuotaConfig{
			MaxRequestsPerMin: 60,
			EpochSeconds:      86_400,
		},
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
