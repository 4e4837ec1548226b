package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path on top of the defaults and
// applies SIGNENV_* environment overrides. An empty path skips the file.
// Callers run Validate once command line flags have been applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables if set
func applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		env    string
		target *string
	}{
		{"SIGNENV_BACKEND", &cfg.Backend},
		{"SIGNENV_LOG_LEVEL", &cfg.LogLevel},
		{"SIGNENV_WORK_DIR", &cfg.WorkDir},
		{"SIGNENV_SECURITY", &cfg.Tools.Security},
		{"SIGNENV_PLISTBUDDY", &cfg.Tools.PlistBuddy},
		{"SIGNENV_OPENSSL", &cfg.Tools.OpenSSL},
		{"SIGNENV_KEYCHAIN", &cfg.Keychain.Path},
		{"SIGNENV_KEYCHAIN_PASSWORD", &cfg.Keychain.Password},
		{"SIGNENV_P12", &cfg.Certificate.Path},
		{"SIGNENV_P12_PASSWORD", &cfg.Certificate.Password},
		{"SIGNENV_PROFILE", &cfg.Profile.Path},
		{"SIGNENV_PLATFORM", &cfg.Profile.Platform},
		{"SIGNENV_EXPORT_METHOD", &cfg.Profile.ExportMethod},
		{"SIGNENV_PROFILES_DIR", &cfg.Profile.InstallDir},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.target = v
		}
	}

	if timeout := os.Getenv("SIGNENV_TIMEOUT"); timeout != "" {
		t, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid SIGNENV_TIMEOUT %q: %w", timeout, err)
		}
		cfg.Timeout = t
	}
	if reuse := os.Getenv("SIGNENV_KEYCHAIN_REUSE"); reuse != "" {
		r, err := strconv.ParseBool(reuse)
		if err != nil {
			return fmt.Errorf("invalid SIGNENV_KEYCHAIN_REUSE %q: %w", reuse, err)
		}
		cfg.Keychain.Reuse = r
	}
	return nil
}
