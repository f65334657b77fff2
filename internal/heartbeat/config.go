// Package heartbeat runs a cell's proactive checklists through the conductor.
package heartbeat

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule is one scheduled checklist.
type Rule struct {
	ID        string   `yaml:"id"`
	Cron      string   `yaml:"cron"`
	Enabled   *bool    `yaml:"enabled,omitempty"`
	Checklist []string `yaml:"checklist"`
}

// IsEnabled reports whether the rule runs. Rules are enabled unless they say otherwise.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Config is the YAML document stored in a cell's heartbeat layer:
//
//	rules:
//	  - id: standup
//	    cron: "0 9 * * 1-5"
//	    checklist: ["Any PR waiting for review?"]
//	min_interval: 30m
//	timezone: Europe/Berlin
type Config struct {
	Rules       []Rule        `yaml:"rules"`
	MinInterval time.Duration `yaml:"min_interval,omitempty"`
	Timezone    string        `yaml:"timezone,omitempty"`
}

// ParseConfig decodes a heartbeat layer. Blank content yields an empty config.
func ParseConfig(content string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(content) == "" {
		return &cfg, nil
	}
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, fmt.Errorf("parse heartbeat config: %w", err)
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.ID == "" {
			return nil, fmt.Errorf("parse heartbeat config: rule %d has no id", i+1)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("parse heartbeat config: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return &cfg, nil
}

// Rule returns the rule with the given id.
func (c *Config) Rule(id string) (Rule, bool) {
	for _, r := range c.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// Marshal renders the config back to YAML.
func (c *Config) Marshal() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal heartbeat config: %w", err)
	}
	return string(out), nil
}

// Prompt builds the signal content for a rule.
func (r Rule) Prompt() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Heartbeat check (%s):", r.ID)
	for i, item := range r.Checklist {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, item)
	}
	sb.WriteString("\n\nReview each item. If there are updates or actions needed, notify the user. If nothing noteworthy, stay silent.")
	return sb.String()
}
