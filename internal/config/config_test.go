package config

import (
	"os"
	"path/filepath"
	"testing"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "./p8data" {
		t.Fatalf("expected default db-path, got %q", cfg.DBPath)
	}
	if cfg.TenantID != "default" {
		t.Fatalf("expected default tenant-id, got %q", cfg.TenantID)
	}
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("P8_DB_PATH", "/var/lib/p8")
	t.Setenv("P8_TENANT_ID", "acme")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/p8" {
		t.Fatalf("expected env db-path, got %q", cfg.DBPath)
	}
	if cfg.TenantID != "acme" {
		t.Fatalf("expected env tenant-id, got %q", cfg.TenantID)
	}
}

func TestLoadProjectConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.MkdirAll(filepath.Join(dir, ".p8"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	yaml := "db-path: /from/project/config\ntenant-id: proj-tenant\n"
	if err := os.WriteFile(filepath.Join(dir, ".p8", "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/from/project/config" {
		t.Fatalf("expected config-file db-path, got %q", cfg.DBPath)
	}
	if cfg.TenantID != "proj-tenant" {
		t.Fatalf("expected config-file tenant-id, got %q", cfg.TenantID)
	}
}

func TestLoadEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.MkdirAll(filepath.Join(dir, ".p8"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	yaml := "db-path: /from/project/config\n"
	if err := os.WriteFile(filepath.Join(dir, ".p8", "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("P8_DB_PATH", "/from/env")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/from/env" {
		t.Fatalf("expected env to win over config file, got %q", cfg.DBPath)
	}
}

func TestLoadFlagOverridesEverything(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("P8_DB_PATH", "/from/env")

	cfg, err := Load(map[string]string{"db-path": "/from/flag"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/from/flag" {
		t.Fatalf("expected flag to win over env, got %q", cfg.DBPath)
	}
}

func TestLoadTOMLOverridesConfigFileButNotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	if err := os.MkdirAll(filepath.Join(dir, ".p8"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	yaml := "db-path: /from/project/config\ntenant-id: proj-tenant\n"
	if err := os.WriteFile(filepath.Join(dir, ".p8", "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tomlBody := "db_path = \"/from/toml\"\ntenant_id = \"toml-tenant\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".p8.toml"), []byte(tomlBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/from/toml" {
		t.Fatalf("expected toml db-path, got %q", cfg.DBPath)
	}
	if cfg.TenantID != "toml-tenant" {
		t.Fatalf("expected toml tenant-id, got %q", cfg.TenantID)
	}

	t.Setenv("P8_DB_PATH", "/from/env")
	cfg, err = Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/from/env" {
		t.Fatalf("expected env to still win over toml, got %q", cfg.DBPath)
	}
}
