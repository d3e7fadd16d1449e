package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("acme")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "acme", cfg.Tenant.ID)
	require.Equal(t, 0.90, cfg.Audit.CoverageFailBelow)
	require.Equal(t, 15*time.Minute, cfg.PreviewTTL())
	require.Equal(t, 24*time.Hour, cfg.IdempotencyTTL())
	require.Equal(t, 60*time.Second, cfg.GateTTL())
	require.Equal(t, 120*time.Second, cfg.SignatureSkew())
	require.Equal(t, 240*time.Second, cfg.NonceTTL())
	require.Equal(t, 30*time.Second, cfg.SolverBudget())
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing tenant id", func(c *Config) { c.Tenant.ID = "" }},
		{"unknown vertical", func(c *Config) { c.Tenant.Vertical = "river" }},
		{"coverage fail above one", func(c *Config) { c.Audit.CoverageFailBelow = 1.5 }},
		{"warn below fail", func(c *Config) { c.Audit.CoverageWarnBelow = 0.5 }},
		{"rest warn below min", func(c *Config) { c.Audit.RestWarnMinutes = 10 }},
		{"zero preview ttl", func(c *Config) { c.Repair.PreviewTTLMinutes = 0 }},
		{"zero override reason", func(c *Config) { c.Repair.OverrideMinReasonLen = 0 }},
		{"zero gate ttl", func(c *Config) { c.Windows.GateTTLSeconds = 0 }},
		{"negative gate wait", func(c *Config) { c.Windows.GateMaxWaitSeconds = -1 }},
		{"zero skew", func(c *Config) { c.Windows.SignatureSkewSeconds = 0 }},
		{"zero solver budget", func(c *Config) { c.Solver.TimeBudgetSeconds = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("acme")
			tc.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestFromYAMLRoundTrip(t *testing.T) {
	cfg := Default("acme")
	cfg.Repair.ChurnWarnAbove = 3

	out, err := cfg.ToYAML()
	require.NoError(t, err)
	back, err := FromYAML(out)
	require.NoError(t, err)
	require.Equal(t, cfg, back)
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	_, err := FromYAML([]byte("tenant: [not a map"))
	require.Error(t, err)

	_, err = FromYAML([]byte("tenant:\n  id: acme\n  vertical: route\n"))
	require.Error(t, err, "zeroed windows must not validate")
}
