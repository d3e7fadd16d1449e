package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models planlock.yml: the per-tenant policy used by the audit and
// repair engines plus the windows that bound idempotency, previews, gate
// holds and signed-request replay. Stored in the DB per tenant and imported
// explicitly.
type Config struct {
	Tenant struct {
		ID       string `yaml:"id"`
		Vertical string `yaml:"vertical"`
	} `yaml:"tenant"`
	Audit struct {
		CoverageFailBelow float64 `yaml:"coverage_fail_below"`
		CoverageWarnBelow float64 `yaml:"coverage_warn_below"`
		MinRestMinutes    int     `yaml:"min_rest_minutes"`
		RestWarnMinutes   int     `yaml:"rest_warn_minutes"`
	} `yaml:"audit"`
	Repair struct {
		PreviewTTLMinutes    int `yaml:"preview_ttl_minutes"`
		ChurnWarnAbove       int `yaml:"churn_warn_above"`
		OverrideMinReasonLen int `yaml:"override_min_reason_len"`
	} `yaml:"repair"`
	Windows struct {
		IdempotencyTTLHours  int `yaml:"idempotency_ttl_hours"`
		GateTTLSeconds       int `yaml:"gate_ttl_seconds"`
		GateMaxWaitSeconds   int `yaml:"gate_max_wait_seconds"`
		SignatureSkewSeconds int `yaml:"signature_skew_seconds"`
	} `yaml:"windows"`
	Solver struct {
		TimeBudgetSeconds int `yaml:"time_budget_seconds"`
	} `yaml:"solver"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if c.Tenant.Vertical != "route" && c.Tenant.Vertical != "roster" {
		return fmt.Errorf("config.tenant.vertical must be 'route' or 'roster'")
	}
	if c.Audit.CoverageFailBelow < 0 || c.Audit.CoverageFailBelow > 1 {
		return fmt.Errorf("config.audit.coverage_fail_below must be in [0,1]")
	}
	if c.Audit.CoverageWarnBelow < c.Audit.CoverageFailBelow {
		return fmt.Errorf("config.audit.coverage_warn_below must be >= coverage_fail_below")
	}
	if c.Audit.CoverageWarnBelow > 1 {
		return fmt.Errorf("config.audit.coverage_warn_below must be <= 1")
	}
	if c.Audit.MinRestMinutes < 0 {
		return fmt.Errorf("config.audit.min_rest_minutes must be >= 0")
	}
	if c.Audit.RestWarnMinutes < c.Audit.MinRestMinutes {
		return fmt.Errorf("config.audit.rest_warn_minutes must be >= min_rest_minutes")
	}
	if c.Repair.PreviewTTLMinutes <= 0 {
		return fmt.Errorf("config.repair.preview_ttl_minutes must be > 0")
	}
	if c.Repair.OverrideMinReasonLen <= 0 {
		return fmt.Errorf("config.repair.override_min_reason_len must be > 0")
	}
	if c.Windows.IdempotencyTTLHours <= 0 {
		return fmt.Errorf("config.windows.idempotency_ttl_hours must be > 0")
	}
	if c.Windows.GateTTLSeconds <= 0 {
		return fmt.Errorf("config.windows.gate_ttl_seconds must be > 0")
	}
	if c.Windows.GateMaxWaitSeconds < 0 {
		return fmt.Errorf("config.windows.gate_max_wait_seconds must be >= 0")
	}
	if c.Windows.SignatureSkewSeconds <= 0 {
		return fmt.Errorf("config.windows.signature_skew_seconds must be > 0")
	}
	if c.Solver.TimeBudgetSeconds <= 0 {
		return fmt.Errorf("config.solver.time_budget_seconds must be > 0")
	}
	return nil
}

// PreviewTTL is the repair-preview validity window.
func (c *Config) PreviewTTL() time.Duration {
	return time.Duration(c.Repair.PreviewTTLMinutes) * time.Minute
}

// IdempotencyTTL is the retention window for idempotency records.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Windows.IdempotencyTTLHours) * time.Hour
}

// GateTTL bounds how long an abandoned gate token stays held.
func (c *Config) GateTTL() time.Duration {
	return time.Duration(c.Windows.GateTTLSeconds) * time.Second
}

// GateMaxWait is the default acquisition wait before RESOURCE_BUSY.
func (c *Config) GateMaxWait() time.Duration {
	return time.Duration(c.Windows.GateMaxWaitSeconds) * time.Second
}

// SignatureSkew is the accepted |now - timestamp| window for signed calls.
func (c *Config) SignatureSkew() time.Duration {
	return time.Duration(c.Windows.SignatureSkewSeconds) * time.Second
}

// NonceTTL is the replay-cache retention; twice the skew window so a nonce
// outlives every timestamp it could validly accompany.
func (c *Config) NonceTTL() time.Duration {
	return 2 * c.SignatureSkew()
}

// SolverBudget is the per-solve wall-clock budget.
func (c *Config) SolverBudget() time.Duration {
	return time.Duration(c.Solver.TimeBudgetSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "planlock.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
}

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
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
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML serializes the config for storage.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `tenant:
  id: %s
  vertical: route

audit:
  coverage_fail_below: 0.90
  coverage_warn_below: 1.00
  min_rest_minutes: 30
  rest_warn_minutes: 45

repair:
  preview_ttl_minutes: 15
  churn_warn_above: 10
  override_min_reason_len: 20

windows:
  idempotency_ttl_hours: 24
  gate_ttl_seconds: 60
  gate_max_wait_seconds: 5
  signature_skew_seconds: 120

solver:
  time_budget_seconds: 30
`
