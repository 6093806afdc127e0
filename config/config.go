package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress    string   `toml:"ListenAddress"`
	RPCAddress       string   `toml:"RPCAddress"`
	DataDir          string   `toml:"DataDir"`
	AdapterEndpoint  string   `toml:"AdapterEndpoint"`
	StoreCodeFile    string   `toml:"StoreCodeFile"`
	StoreCost        string   `toml:"StoreCost"`
	ReservedPrefixes []string `toml:"ReservedPrefixes"`
	FactoryAccount   string   `toml:"FactoryAccount"`
	FeeTreasury      string   `toml:"FeeTreasury"`
	NetworkName      string   `toml:"NetworkName"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// StoreCostAmount parses the configured provisioning stake. A blank value
// means the engine default applies.
func (c *Config) StoreCostAmount() (*big.Int, error) {
	trimmed := strings.TrimSpace(c.StoreCost)
	if trimmed == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("StoreCost must be a decimal integer, got %q", c.StoreCost)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("StoreCost must be positive, got %q", c.StoreCost)
	}
	return amount, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":6001"
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./market-data"
	}
	if strings.TrimSpace(cfg.FactoryAccount) == "" {
		cfg.FactoryAccount = "market"
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "market-local"
	}
	if cfg.ReservedPrefixes == nil {
		cfg.ReservedPrefixes = []string{"market", "factory"}
	}
}

func validate(cfg *Config) error {
	if _, err := cfg.StoreCostAmount(); err != nil {
		return err
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:    ":6001",
		RPCAddress:       ":8080",
		DataDir:          "./market-data",
		AdapterEndpoint:  "http://127.0.0.1:7070/actions",
		StoreCodeFile:    "",
		StoreCost:        "",
		ReservedPrefixes: []string{"market", "factory"},
		FactoryAccount:   "market",
		FeeTreasury:      "treasury.market",
		NetworkName:      "market-local",
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
