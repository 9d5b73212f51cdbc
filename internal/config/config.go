package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"steward/internal/domain"
)

// Config models steward.yml: the governance policy table, retry schedule,
// rate limits, and loop tuning. Read at startup and on explicit reload;
// never swapped mid-dispatch.
type Config struct {
	Agent      Agent                                 `yaml:"agent" json:"agent"`
	Governance Governance                            `yaml:"governance" json:"governance"`
	Retry      Retry                                 `yaml:"retry" json:"retry"`
	RateLimits map[string]map[string]RateLimitPolicy `yaml:"rate_limits" json:"rate_limits"`
	Loop       Loop                                  `yaml:"loop" json:"loop"`
}

type Agent struct {
	ID string `yaml:"id" json:"id"`
}

// Governance maps action types to tiers and holds the escalation rules and
// council roster the approval flow consults.
type Governance struct {
	Tiers       map[string]string `yaml:"tiers" json:"tiers"`
	Escalations []EscalationRule  `yaml:"escalations" json:"escalations"`
	Council     []string          `yaml:"council" json:"council"`
}

// Retry is the fixed backoff ladder: one delay per allowed retry.
type Retry struct {
	MaxRetries int        `yaml:"max_retries" json:"max_retries"`
	Delays     []Duration `yaml:"delays" json:"delays"`
}

// Loop tunes the scheduler daemon.
type Loop struct {
	Tick            Duration `yaml:"tick" json:"tick"`
	Workers         int      `yaml:"workers" json:"workers"`
	TickBudget      int      `yaml:"tick_budget" json:"tick_budget"`
	DispatchTimeout Duration `yaml:"dispatch_timeout" json:"dispatch_timeout"`
	LockAttempts    int      `yaml:"lock_attempts" json:"lock_attempts"`
}

// EscalationRule bumps an action to a stricter tier when a numeric payload
// field exceeds a threshold.
type EscalationRule struct {
	Type    string  `yaml:"type" json:"type"`
	Field   string  `yaml:"field" json:"field"`
	Exceeds float64 `yaml:"exceeds" json:"exceeds"`
	Tier    string  `yaml:"tier" json:"tier"`
}

// RateLimitPolicy is the per platform/action-type dispatch budget.
type RateLimitPolicy struct {
	Cooldown     Duration `yaml:"cooldown" json:"cooldown"`
	Window       Duration `yaml:"window" json:"window"`
	MaxPerWindow int      `yaml:"max_per_window" json:"max_per_window"`
}

// Duration wraps time.Duration with YAML/JSON string encoding ("6m", "30s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := string(data)
	if len(raw) >= 2 && raw[0] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func validTier(t string) bool {
	switch t {
	case domain.TierAutonomous, domain.TierOneApprover, domain.TierUnanimousCouncil:
		return true
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("config.agent.id is required")
	}
	if len(c.Governance.Tiers) == 0 {
		return fmt.Errorf("config.governance.tiers is required")
	}
	needsCouncil := false
	for actionType, tier := range c.Governance.Tiers {
		if actionType == "" {
			return fmt.Errorf("config.governance.tiers contains empty action type")
		}
		if !validTier(tier) {
			return fmt.Errorf("unknown tier %s for action type %s", tier, actionType)
		}
		if tier == domain.TierUnanimousCouncil {
			needsCouncil = true
		}
	}
	for _, rule := range c.Governance.Escalations {
		if rule.Type == "" || rule.Field == "" {
			return fmt.Errorf("escalation rule requires type and field")
		}
		if _, ok := c.Governance.Tiers[rule.Type]; !ok {
			return fmt.Errorf("escalation rule references unknown action type %s", rule.Type)
		}
		if !validTier(rule.Tier) {
			return fmt.Errorf("escalation rule for %s has unknown tier %s", rule.Type, rule.Tier)
		}
		if rule.Tier == domain.TierUnanimousCouncil {
			needsCouncil = true
		}
	}
	if needsCouncil && len(c.Governance.Council) == 0 {
		return fmt.Errorf("config.governance.council is required when a unanimous-council tier is configured")
	}
	for i, member := range c.Governance.Council {
		if member == "" {
			return fmt.Errorf("config.governance.council[%d] is empty", i)
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config.retry.max_retries must be >= 0")
	}
	if len(c.Retry.Delays) != c.Retry.MaxRetries {
		return fmt.Errorf("config.retry.delays must list %d delays, got %d", c.Retry.MaxRetries, len(c.Retry.Delays))
	}
	for i, d := range c.Retry.Delays {
		if d <= 0 {
			return fmt.Errorf("config.retry.delays[%d] must be positive", i)
		}
	}
	for platform, byType := range c.RateLimits {
		if platform == "" {
			return fmt.Errorf("config.rate_limits has empty platform")
		}
		for actionType, policy := range byType {
			if actionType == "" {
				return fmt.Errorf("rate limit for platform %s has empty action type", platform)
			}
			if policy.Cooldown < 0 || policy.Window < 0 || policy.MaxPerWindow < 0 {
				return fmt.Errorf("rate limit %s/%s has negative values", platform, actionType)
			}
			if policy.MaxPerWindow > 0 && policy.Window <= 0 {
				return fmt.Errorf("rate limit %s/%s sets max_per_window without a window", platform, actionType)
			}
		}
	}
	if c.Loop.Tick <= 0 {
		return fmt.Errorf("config.loop.tick must be positive")
	}
	if c.Loop.Workers <= 0 {
		return fmt.Errorf("config.loop.workers must be positive")
	}
	if c.Loop.TickBudget <= 0 {
		return fmt.Errorf("config.loop.tick_budget must be positive")
	}
	if c.Loop.DispatchTimeout <= 0 {
		return fmt.Errorf("config.loop.dispatch_timeout must be positive")
	}
	if c.Loop.LockAttempts <= 0 {
		return fmt.Errorf("config.loop.lock_attempts must be positive")
	}
	return nil
}

// RateLimitFor returns the policy for a platform/action-type pair, if any.
func (c *Config) RateLimitFor(platform, actionType string) (RateLimitPolicy, bool) {
	byType, ok := c.RateLimits[platform]
	if !ok {
		return RateLimitPolicy{}, false
	}
	policy, ok := byType[actionType]
	return policy, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with stw policy init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an agent.
func Default(agentID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(agentID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(agentID string) string {
	return fmt.Sprintf(defaultTemplate, agentID)
}

const defaultTemplate = `agent:
  id: %s

governance:
  tiers:
    post-content: autonomous
    send-notification: autonomous
    sync-repository: needs_one_approver
  escalations:
    - type: send-notification
      field: recipients
      exceeds: 50
      tier: needs_one_approver
  council: [operator-1, operator-2, operator-3]

retry:
  max_retries: 3
  delays: [6m, 15m, 30m]

rate_limits:
  microblog:
    post-content:
      cooldown: 90s
      window: 1h
      max_per_window: 25
  chat:
    send-notification:
      cooldown: 10s
      window: 10m
      max_per_window: 60

loop:
  tick: 2m
  workers: 4
  tick_budget: 16
  dispatch_timeout: 60s
  lock_attempts: 3
`
