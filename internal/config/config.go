// Package config loads go-signenv settings from a YAML file and SIGNENV_*
// environment variables.
package config

import "time"

// Backends
const (
	BackendTools  = "tools"
	BackendNative = "native"
)

// Config is the complete go-signenv configuration
type Config struct {
	// Backend selects how profiles, plists and certificates are read:
	// "tools" (security, PlistBuddy, openssl) or "native".
	Backend string `yaml:"backend"`
	// Timeout bounds each external tool invocation. Zero means no limit.
	Timeout  time.Duration `yaml:"timeout"`
	LogLevel string        `yaml:"log_level"`
	// WorkDir holds scratch plists and the temporary keychain.
	WorkDir string `yaml:"work_dir"`

	Tools       ToolsConfig       `yaml:"tools"`
	Keychain    KeychainConfig    `yaml:"keychain"`
	Certificate CertificateConfig `yaml:"certificate"`
	Profile     ProfileConfig     `yaml:"profile"`
}

// ToolsConfig overrides where the external tools are found
type ToolsConfig struct {
	Security   string `yaml:"security"`
	PlistBuddy string `yaml:"plistbuddy"`
	OpenSSL    string `yaml:"openssl"`
}

type KeychainConfig struct {
	// Path defaults to ios_signing_temp.keychain inside WorkDir.
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
	Reuse    bool   `yaml:"reuse"`
}

type CertificateConfig struct {
	Path     string `yaml:"path"`
	Password string `yaml:"password"`
}

type ProfileConfig struct {
	Path         string `yaml:"path"`
	Platform     string `yaml:"platform"`
	ExportMethod string `yaml:"export_method"`
	// InstallDir defaults to ~/Library/MobileDevice/Provisioning Profiles.
	InstallDir string `yaml:"install_dir"`
}

// Default returns the configuration used when nothing is set
func Default() Config {
	return Config{
		Backend:  BackendTools,
		Timeout:  2 * time.Minute,
		LogLevel: "info",
		WorkDir:  ".",
		Profile: ProfileConfig{
			Platform:     "ios",
			ExportMethod: "app-store",
		},
	}
}
