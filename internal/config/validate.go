package config

import (
	"errors"
	"fmt"

	"github.com/aluedeke/go-signenv/pkg/signing"
	"github.com/sirupsen/logrus"
)

// Validate checks that every set value is one the tool understands. Paths
// are not checked here; commands check the ones they need.
func Validate(cfg Config) error {
	switch cfg.Backend {
	case BackendTools, BackendNative:
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendTools, BackendNative, cfg.Backend)
	}

	if cfg.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	if _, err := signing.ParsePlatform(cfg.Profile.Platform); err != nil {
		return fmt.Errorf("invalid profile.platform: %w", err)
	}

	switch signing.ExportMethod(cfg.Profile.ExportMethod) {
	case signing.ExportAppStore, signing.ExportEnterprise, signing.ExportDeveloperID,
		signing.ExportAdHoc, signing.ExportDevelopment:
	default:
		return fmt.Errorf("invalid profile.export_method %q", cfg.Profile.ExportMethod)
	}
	return nil
}

// KeychainPath returns the absolute path of the configured keychain or of
// the temporary keychain inside WorkDir
func (c Config) KeychainPath() string {
	if c.Keychain.Path != "" {
		return signing.ResolveKeychainPath(c.Keychain.Path)
	}
	return signing.ResolveKeychainPath(signing.TempKeychainPath(c.WorkDir))
}
