// Package config resolves the CLI's settings through a Viper precedence
// chain (SPEC_FULL.md §0: "following internal/config/config.go's
// precedence chain ... adapted so the bound environment variables are
// P8_DB_PATH and P8_TENANT_ID"). Core library calls never read the
// environment themselves (spec §9, "Global mutable state": "the core
// spec binds both at open(path, tenant); environment reading is
// relegated to the CLI collaborator") — this package exists only for
// cmd/p8 to resolve those two values, plus a handful of CLI-only knobs,
// before calling db.Open.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Config holds every value cmd/p8 needs to open a database and drive
// its subcommands.
type Config struct {
	DBPath        string `mapstructure:"db-path"`
	TenantID      string `mapstructure:"tenant-id"`
	WorkerLogPath string `mapstructure:"worker-log-path"`
	ReplicaListen string `mapstructure:"replica-listen"`
	LeaderAddr    string `mapstructure:"leader-addr"`
}

// tomlOverrides is the shape of an optional .p8.toml file consulted
// after viper resolves everything else (SPEC_FULL.md §1: "BurntSushi/toml
// ... CLI-local .p8.toml overrides (host-facing, additive to viper)").
type tomlOverrides struct {
	DBPath        string `toml:"db_path"`
	TenantID      string `toml:"tenant_id"`
	WorkerLogPath string `toml:"worker_log_path"`
}

// Load resolves Config following the precedence, highest wins:
//
//  1. explicit flag values passed in flagOverrides
//  2. environment variables (P8_DB_PATH, P8_TENANT_ID, ...)
//  3. .p8.toml in the current directory (host-facing convenience,
//     additive to viper — the teacher's config.go reads only YAML; we
//     add a TOML layer since nothing else in this module exercises
//     BurntSushi/toml otherwise)
//  4. a project-local config.yaml, mirroring the teacher's
//     .beads/config.yaml lookup: project dir -> user config dir -> home dir
//  5. built-in defaults
//
// This mirrors internal/config/config.go's own chain (project file ->
// user config dir -> home dir -> env), with flags added on top since
// cobra flag binding there was handled separately in main.go.
func Load(flagOverrides map[string]string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("db-path", "./p8data")
	v.SetDefault("tenant-id", "default")
	v.SetDefault("worker-log-path", "")
	v.SetDefault("replica-listen", "")
	v.SetDefault("leader-addr", "")

	v.SetEnvPrefix("P8")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath, ok := findConfigFile(); ok {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	// TOML is a host-facing convenience layered under env but over the
	// project config.yaml (and defaults): an env var for a given key
	// always wins, since it was the explicit, highest-precedence signal
	// the teacher's own chain already grants env.
	if err := applyTOMLOverrides(&cfg, envIsSet); err != nil {
		return nil, err
	}

	for key, val := range flagOverrides {
		if val == "" {
			continue
		}
		switch key {
		case "db-path":
			cfg.DBPath = val
		case "tenant-id":
			cfg.TenantID = val
		case "worker-log-path":
			cfg.WorkerLogPath = val
		case "replica-listen":
			cfg.ReplicaListen = val
		case "leader-addr":
			cfg.LeaderAddr = val
		}
	}

	return &cfg, nil
}

// findConfigFile walks up from cwd looking for .p8/config.yaml, falling
// back to the user config dir then the home dir, matching
// internal/config/config.go's three-tier search exactly.
func findConfigFile() (string, bool) {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			candidate := filepath.Join(dir, ".p8", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				return candidate, true
			}
		}
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		candidate := filepath.Join(configDir, "p8", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(homeDir, ".p8", "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// envIsSet reports whether the P8-prefixed environment variable for a
// dashed config key (e.g. "db-path" -> P8_DB_PATH) is set.
func envIsSet(key string) bool {
	envKey := "P8_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	_, ok := os.LookupEnv(envKey)
	return ok
}

// applyTOMLOverrides merges a .p8.toml found in cwd on top of cfg, for
// hosts that prefer a single-file TOML override next to wherever they
// invoke the CLI from. Only non-empty fields in the TOML file take
// effect, and only for keys without a competing environment variable;
// absence of the file is not an error.
func applyTOMLOverrides(cfg *Config, envSet func(key string) bool) error {
	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	path := filepath.Join(cwd, ".p8.toml")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	var overrides tomlOverrides
	if _, err := toml.DecodeFile(path, &overrides); err != nil {
		return fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if overrides.DBPath != "" && !envSet("db-path") {
		cfg.DBPath = overrides.DBPath
	}
	if overrides.TenantID != "" && !envSet("tenant-id") {
		cfg.TenantID = overrides.TenantID
	}
	if overrides.WorkerLogPath != "" && !envSet("worker-log-path") {
		cfg.WorkerLogPath = overrides.WorkerLogPath
	}
	return nil
}
