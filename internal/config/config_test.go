package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "api" {
		t.Errorf("Mode = %q, want api", cfg.Mode)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.MaxRenderWorkers != 3 {
		t.Errorf("MaxRenderWorkers = %d, want 3", cfg.MaxRenderWorkers)
	}
	if cfg.DailyBudgetUSD != 50 {
		t.Errorf("DailyBudgetUSD = %v, want 50", cfg.DailyBudgetUSD)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BRANDOWL_MODE", "worker")
	t.Setenv("BRANDOWL_PORT", "9000")
	t.Setenv("DAILY_BUDGET_USD", "12.5")
	t.Setenv("REF_URL_ALLOW_HOSTS", "cdn.example.com,assets.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "worker" {
		t.Errorf("Mode = %q, want worker", cfg.Mode)
	}
	if cfg.ListenAddr() != "0.0.0.0:9000" {
		t.Errorf("ListenAddr() = %q", cfg.ListenAddr())
	}
	if cfg.DailyBudgetUSD != 12.5 {
		t.Errorf("DailyBudgetUSD = %v", cfg.DailyBudgetUSD)
	}
	if !cfg.AllowedRefHost("cdn.example.com") || !cfg.AllowedRefHost("ASSETS.example.com") {
		t.Error("allowlisted hosts should be accepted (case-insensitive)")
	}
	if cfg.AllowedRefHost("evil.example.net") {
		t.Error("unlisted host should be rejected")
	}
}

func TestEmptyAllowlistRejectsAll(t *testing.T) {
	cfg := &Config{}
	if cfg.AllowedRefHost("anything.example.com") {
		t.Error("empty allowlist must reject every host")
	}
}

func TestIsProduction(t *testing.T) {
	for env, want := range map[string]bool{
		"dev":        false,
		"test":       false,
		"local":      false,
		"production": true,
		"staging":    true,
	} {
		cfg := &Config{ServiceEnv: env}
		if got := cfg.IsProduction(); got != want {
			t.Errorf("IsProduction(%q) = %v, want %v", env, got, want)
		}
	}
}
