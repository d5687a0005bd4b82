package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.HTTPPort)
	}
	if cfg.ProviderBaseURL != "https://queue.fal.run" {
		t.Fatalf("unexpected provider base url: %q", cfg.ProviderBaseURL)
	}
	if cfg.StaleAfter != 20*time.Minute {
		t.Fatalf("expected 20m staleness threshold, got %s", cfg.StaleAfter)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STALE_AFTER", "45m")
	t.Setenv("RECONCILE_INTERVAL", "10")

	cfg := Load()
	if cfg.HTTPPort != "9090" {
		t.Fatalf("expected 9090, got %q", cfg.HTTPPort)
	}
	if cfg.StaleAfter != 45*time.Minute {
		t.Fatalf("expected 45m, got %s", cfg.StaleAfter)
	}
	if cfg.ReconcileInterval != 10*time.Minute {
		t.Fatalf("bare numbers are minutes, got %s", cfg.ReconcileInterval)
	}
}

func TestLoad_BadDurationFallsBack(t *testing.T) {
	t.Setenv("STALE_AFTER", "soon")

	cfg := Load()
	if cfg.StaleAfter != 20*time.Minute {
		t.Fatalf("expected default on unparsable value, got %s", cfg.StaleAfter)
	}
}
