package creditledger

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the ledger configuration: plans, operation costs and engine knobs.
type Config struct {
	DefaultTier  string           `yaml:"default_tier"`
	StoreTimeout time.Duration    `yaml:"store_timeout"`
	MaxRetries   int              `yaml:"max_retries"`
	Plans        []Plan           `yaml:"plans"`
	Costs        map[string]int64 `yaml:"costs"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditledger: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML config data.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("creditledger: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Plans) == 0 {
		return fmt.Errorf("creditledger: config: at least one plan is required")
	}

	tiers := make(map[string]bool, len(c.Plans))
	for i, p := range c.Plans {
		if err := p.validate(); err != nil {
			return fmt.Errorf("creditledger: config: plans[%d]: %w", i, err)
		}
		if tiers[p.Tier] {
			return fmt.Errorf("creditledger: config: duplicate tier %q", p.Tier)
		}
		tiers[p.Tier] = true
	}

	if c.DefaultTier == "" {
		return fmt.Errorf("creditledger: config: default_tier is required")
	}
	if !tiers[c.DefaultTier] {
		return fmt.Errorf("creditledger: config: default_tier %q is not a configured plan", c.DefaultTier)
	}

	for op, cost := range c.Costs {
		if op == "" {
			return fmt.Errorf("creditledger: config: costs: empty operation name")
		}
		if cost < 0 {
			return fmt.Errorf("creditledger: config: costs[%s]: must be non-negative", op)
		}
	}

	if c.StoreTimeout < 0 {
		return fmt.Errorf("creditledger: config: store_timeout must be non-negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("creditledger: config: max_retries must be non-negative")
	}

	return nil
}

// Catalog builds the plan catalog described by the config.
func (c Config) Catalog() (*StaticCatalog, error) {
	return NewStaticCatalog(c.Plans...)
}

// CostTable returns a copy of the configured operation costs.
func (c Config) CostTable() CostTable {
	t := make(CostTable, len(c.Costs))
	for op, cost := range c.Costs {
		t[op] = cost
	}
	return t
}

// EngineOptions returns the engine options implied by the config.
func (c Config) EngineOptions() []Option {
	opts := []Option{WithDefaultTier(c.DefaultTier)}
	if c.StoreTimeout > 0 {
		opts = append(opts, WithStoreTimeout(c.StoreTimeout))
	}
	return opts
}

// StoreOptions returns the ledger store options implied by the config.
func (c Config) StoreOptions() []StoreOption {
	if c.MaxRetries > 0 {
		return []StoreOption{WithMaxRetries(c.MaxRetries)}
	}
	return nil
}
