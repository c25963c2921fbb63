package config

import (
	"os"
	"path/filepath"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	env := map[string]string{
		"LABCI_PRIVATE_KEY_PATH":  "/tmp/key.pem",
		"LABCI_APP_ID":            "12345",
		"LABCI_WEBHOOK_SECRET":    "shh",
		"LABCI_WEBHOOK_PROXY_URL": "https://proxy.example.com",
		"LABCI_REPO_PATH":         "/tmp/repo",
		"LABCI_REPO_NAME":         "widget",
		"LABCI_REPO_OWNER":        "acme",
		"LABCI_TUNNEL_HOST":       "tunnel.example.com",
		"LABCI_TUNNEL_SUBDOMAIN":  "acme-widget",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoadFailsWithoutRequiredEnv(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected Load to fail without required environment variables")
	}
}

func TestLoadAppliesDefaultsAndOverlay(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yamlContent := "listen_port: 9000\nstrict_coverage: true\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenPort != 9000 {
		t.Errorf("expected overlay to set listen_port=9000, got %d", cfg.ListenPort)
	}
	if !cfg.StrictCoverage {
		t.Errorf("expected strict_coverage to be true")
	}
	if cfg.MaxDescriptionLen != 140 {
		t.Errorf("expected default max_description_len to survive overlay, got %d", cfg.MaxDescriptionLen)
	}
	if cfg.RepoOwner != "acme" {
		t.Errorf("expected RepoOwner from env, got %q", cfg.RepoOwner)
	}
}

func TestDefaultsTimeoutIsEightMinutes(t *testing.T) {
	cfg := Defaults()
	if cfg.Timeout != 480000 {
		t.Errorf("expected default per-job timeout of 480000ms (8 min), got %d", cfg.Timeout)
	}
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("missing config file should fall back to defaults, got error: %v", err)
	}
	if cfg.ListenPort != 8080 {
		t.Errorf("expected default listen_port, got %d", cfg.ListenPort)
	}
}

func TestCheckoutPathFallsBackToRepoPath(t *testing.T) {
	cfg := Defaults()
	cfg.RepoPath = "/src/widget"
	cfg.RepoName = "widget"
	cfg.Repos = map[string]string{"other": "/src/other"}

	if got := cfg.CheckoutPath("acme", "widget"); got != "/src/widget" {
		t.Errorf("expected repo path fallback, got %q", got)
	}
	if got := cfg.CheckoutPath("acme", "other"); got != "/src/other" {
		t.Errorf("expected configured repos map entry, got %q", got)
	}
}
