package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"stockline/internal/allocation"
)

// Config models stockline.yml.
type Config struct {
	Warehouse struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"warehouse" json:"warehouse"`
	Allocation struct {
		Rules         []RuleConfig   `yaml:"rules" json:"rules"`
		CustomerRanks map[string]int `yaml:"customer_ranks" json:"customer_ranks,omitempty"`
	} `yaml:"allocation" json:"allocation"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type RuleConfig struct {
	Name      string `yaml:"name" json:"name"`
	Criterion string `yaml:"criterion" json:"criterion"`
	Active    bool   `yaml:"active" json:"active"`
}

type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Events  []string `yaml:"events" json:"events,omitempty"`
	Secret  string   `yaml:"secret" json:"secret,omitempty"`
	Enabled *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Warehouse.ID) == "" {
		return fmt.Errorf("config.warehouse.id is required")
	}
	if len(c.Allocation.Rules) == 0 {
		return fmt.Errorf("config.allocation.rules is required")
	}
	active := 0
	names := map[string]bool{}
	for i, rule := range c.Allocation.Rules {
		if strings.TrimSpace(rule.Name) == "" {
			return fmt.Errorf("config.allocation.rules[%d].name is required", i)
		}
		if names[rule.Name] {
			return fmt.Errorf("allocation rule %s defined twice", rule.Name)
		}
		names[rule.Name] = true
		if _, err := allocation.ParseCriterion(rule.Criterion); err != nil {
			return fmt.Errorf("allocation rule %s: %w", rule.Name, err)
		}
		if rule.Active {
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("config.allocation.rules has %d active rules; at most one allowed", active)
	}
	for ref := range c.Allocation.CustomerRanks {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("config.allocation.customer_ranks contains empty reference")
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ActiveRule returns the rule flagged active, if any.
func (c *Config) ActiveRule() (RuleConfig, bool) {
	for _, rule := range c.Allocation.Rules {
		if rule.Active {
			return rule, true
		}
	}
	return RuleConfig{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stockline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(warehouseID string) string {
	return fmt.Sprintf(defaultTemplate, warehouseID)
}

// Default returns the default Config struct for a warehouse.
func Default(warehouseID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(warehouseID))).Decode(&cfg)
	cfg.Warehouse.ID = warehouseID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `warehouse:
  id: %s
  name: Main warehouse

allocation:
  rules:
    - name: first-come-first-served
      criterion: fifo
      active: true
    - name: highest-priority
      criterion: priority_desc
    - name: smallest-orders-first
      criterion: smallest_first
    - name: key-customers
      criterion: customer_priority
  customer_ranks: {}

webhooks: []
`
