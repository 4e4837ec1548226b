package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"

	"github.com/aluedeke/go-signenv/internal/config"
	"github.com/aluedeke/go-signenv/pkg/process"
	"github.com/aluedeke/go-signenv/pkg/signing"
	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const version = "1.0.0"

const stateFileName = "signenv-state.yaml"

const usage = `go-signenv - Ephemeral code signing environment

Sets up a temporary keychain with a signing certificate, installs a
provisioning profile and reports what a build needs to sign with them.

Usage:
  go-signenv prepare [options] [--p12=<path>] [--password=<password>] [--profile=<path>] [--keychain=<path>] [--keychain-password=<password>] [--platform=<platform>] [--export-method=<method>] [--reuse] [--state=<path>]
  go-signenv cleanup [options] [--state=<path>]
  go-signenv identity [options] [--keychain=<path>]
  go-signenv profile [options] <path> [--platform=<platform>] [--export-method=<method>]
  go-signenv cert [options] [--p12=<path>] [--password=<password>]
  go-signenv bundle [options] --app=<path>
  go-signenv verify [options] --binary=<path> [--identity=<name>] [--state=<path>]
  go-signenv -h | --help
  go-signenv --version

Commands:
  prepare   Create the keychain, import the certificate and install the profile
  cleanup   Remove what prepare set up
  identity  Print the code signing identity in a keychain
  profile   Print provisioning profile details and its type
  cert      Print the SHA-1 fingerprint and common name of a P12 certificate
  bundle    Print the bundle identifier of a .app bundle
  verify    Check which identity signed a Mach-O binary

Options:
  --config=<path>                 YAML configuration file (or SIGNENV_CONFIG env var)
  --native                        Read profiles, plists and certificates in-process
  --verbose                       Enable debug logging
  --p12=<path>                    P12 certificate (or SIGNENV_P12 env var)
  --password=<password>           P12 password (or SIGNENV_P12_PASSWORD env var)
  --profile=<path>                Provisioning profile (or SIGNENV_PROFILE env var)
  --keychain=<path>               Keychain path (defaults to ios_signing_temp.keychain in the work dir)
  --keychain-password=<password>  Keychain password (or SIGNENV_KEYCHAIN_PASSWORD env var)
  --platform=<platform>           ios or macos
  --export-method=<method>        app-store, enterprise, developer-id, ad-hoc or development
  --reuse                         Reuse an existing keychain instead of recreating it
  --state=<path>                  Where prepare records what it set up
  --app=<path>                    Path to a .app bundle
  --binary=<path>                 Path to a Mach-O binary
  --identity=<name>               Expected signing identity (defaults to the prepared one)
  -h --help                       Show this help message
  --version                       Show version

Examples:
  # Prepare a signing environment for an App Store build
  go-signenv prepare --p12=dist.p12 --password=secret --profile=dist.mobileprovision

  # Tear it down again
  go-signenv cleanup

  # Inspect a profile without the macOS tools
  go-signenv profile --native dist.mobileprovision
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	commands := []struct {
		name string
		run  func(context.Context, *app, docopt.Opts) error
	}{
		{"prepare", runPrepare},
		{"cleanup", runCleanup},
		{"identity", runIdentity},
		{"profile", runProfile},
		{"cert", runCert},
		{"bundle", runBundle},
		{"verify", runVerify},
	}
	for _, c := range commands {
		if selected, _ := opts.Bool(c.name); !selected {
			continue
		}
		a, err := newApp(opts)
		if err == nil {
			err = c.run(ctx, a, opts)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}
}

// app carries the resolved configuration and the session built from it
type app struct {
	cfg     config.Config
	log     *logrus.Logger
	session *signing.Session
}

func newApp(opts docopt.Opts) (*app, error) {
	configPath, _ := opts.String("--config")
	if configPath == "" {
		configPath = os.Getenv("SIGNENV_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(&cfg, opts)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	if verbose, _ := opts.Bool("--verbose"); verbose {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	runner := process.NewExecRunner(log)
	runner.Timeout = cfg.Timeout

	session := signing.NewSession(signing.SessionOptions{
		Runner:         runner,
		Native:         cfg.Backend == config.BackendNative,
		SecurityPath:   cfg.Tools.Security,
		PlistBuddyPath: cfg.Tools.PlistBuddy,
		OpenSSLPath:    cfg.Tools.OpenSSL,
		WorkDir:        cfg.WorkDir,
		ProfilesDir:    cfg.Profile.InstallDir,
		Log:            log,
	})
	return &app{cfg: cfg, log: log, session: session}, nil
}

// applyFlags lets command line flags override the loaded configuration
func applyFlags(cfg *config.Config, opts docopt.Opts) {
	strs := []struct {
		flag   string
		target *string
	}{
		{"--p12", &cfg.Certificate.Path},
		{"--password", &cfg.Certificate.Password},
		{"--profile", &cfg.Profile.Path},
		{"--keychain", &cfg.Keychain.Path},
		{"--keychain-password", &cfg.Keychain.Password},
		{"--platform", &cfg.Profile.Platform},
		{"--export-method", &cfg.Profile.ExportMethod},
	}
	for _, s := range strs {
		if v, _ := opts.String(s.flag); v != "" {
			*s.target = v
		}
	}
	if reuse, _ := opts.Bool("--reuse"); reuse {
		cfg.Keychain.Reuse = true
	}
	if native, _ := opts.Bool("--native"); native {
		cfg.Backend = config.BackendNative
	}
}

func statePath(cfg config.Config, opts docopt.Opts) string {
	if p, _ := opts.String("--state"); p != "" {
		return p
	}
	return filepath.Join(cfg.WorkDir, stateFileName)
}

func writeState(path string, p *signing.Prepared) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func readState(path string) (*signing.Prepared, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var p signing.Prepared
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &p, nil
}

func prepareRequest(cfg config.Config) (signing.PrepareRequest, error) {
	if cfg.Certificate.Path == "" {
		return signing.PrepareRequest{}, errors.New("--p12 is required (or set SIGNENV_P12 environment variable)")
	}
	platform, err := signing.ParsePlatform(cfg.Profile.Platform)
	if err != nil {
		return signing.PrepareRequest{}, err
	}
	return signing.PrepareRequest{
		KeychainPath:        cfg.KeychainPath(),
		KeychainPassword:    cfg.Keychain.Password,
		CertificatePath:     cfg.Certificate.Path,
		CertificatePassword: cfg.Certificate.Password,
		ReuseKeychain:       cfg.Keychain.Reuse,
		ProfilePath:         cfg.Profile.Path,
		Platform:            platform,
		ExportMethod:        signing.ExportMethod(cfg.Profile.ExportMethod),
	}, nil
}

func runPrepare(ctx context.Context, a *app, opts docopt.Opts) error {
	req, err := prepareRequest(a.cfg)
	if err != nil {
		return err
	}
	if req.KeychainPassword == "" {
		a.log.Warn("keychain password is empty")
	}

	prepared, err := a.session.Prepare(ctx, req)
	state := statePath(a.cfg, opts)
	if err != nil {
		if cleanupErr := a.session.Cleanup(ctx, prepared); cleanupErr != nil {
			a.log.WithError(cleanupErr).Warn("failed to clean up after failed prepare")
		}
		return err
	}
	if err := writeState(state, prepared); err != nil {
		return err
	}

	fmt.Println("Signing Environment")
	fmt.Println("===================")
	fmt.Printf("Keychain:       %s\n", prepared.KeychainPath)
	fmt.Printf("Identity:       %s\n", prepared.Identity)
	fmt.Printf("SHA1:           %s\n", prepared.CertificateSHA1)
	if prepared.ProfileUUID != "" {
		fmt.Printf("Profile:        %s\n", valueOr(prepared.ProfileName, "unnamed"))
		fmt.Printf("Profile UUID:   %s\n", prepared.ProfileUUID)
		fmt.Printf("Profile Type:   %s\n", valueOr(string(prepared.ProfileType), "unknown"))
		fmt.Printf("Cert Listed:    %v\n", prepared.CertificateInProfile)
		if prepared.CloudEnvironment != "" {
			fmt.Printf("iCloud:         %s\n", prepared.CloudEnvironment)
		}
	}
	fmt.Printf("State:          %s\n", state)
	return nil
}

func runCleanup(ctx context.Context, a *app, opts docopt.Opts) error {
	state := statePath(a.cfg, opts)
	prepared, err := readState(state)
	if err != nil {
		return err
	}
	if err := a.session.Cleanup(ctx, prepared); err != nil {
		return err
	}
	if err := os.Remove(state); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	fmt.Printf("Cleaned up signing environment: %s\n", prepared.KeychainPath)
	return nil
}

func runIdentity(ctx context.Context, a *app, _ docopt.Opts) error {
	identity, err := a.session.Keychain.FindSigningIdentity(ctx, a.cfg.KeychainPath())
	if err != nil {
		return err
	}
	fmt.Println(identity)
	return nil
}

func runProfile(ctx context.Context, a *app, opts docopt.Opts) error {
	profilePath, _ := opts.String("<path>")
	platform, err := signing.ParsePlatform(a.cfg.Profile.Platform)
	if err != nil {
		return err
	}

	profile, err := a.session.Profiles.Inspect(ctx, profilePath)
	if err != nil {
		return err
	}
	profileType, _ := a.session.Profiles.ProfileType(ctx, profilePath, platform)
	cloud, _, err := a.session.Profiles.CloudEntitlement(ctx, profilePath, signing.ExportMethod(a.cfg.Profile.ExportMethod))
	if err != nil {
		return err
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Type:           %s\n", valueOr(string(profileType), "unknown"))
	fmt.Printf("Team ID:        %s\n", profile.GetTeamID())
	fmt.Printf("App ID:         %s\n", profile.GetApplicationIdentifier())
	fmt.Printf("iCloud:         %s\n", valueOr(cloud, "none"))
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired())
	if certs, err := profile.GetCertificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s\n", i+1, cert.Subject.CommonName)
			fmt.Printf("      SHA1: %s\n", signing.CertificateFingerprint(cert))
			fmt.Printf("      Expires: %s\n", cert.NotAfter.Format("2006-01-02"))
		}
	}
	if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		for _, udid := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}
	if len(profile.Entitlements) > 0 {
		keys := make([]string, 0, len(profile.Entitlements))
		for key := range profile.Entitlements {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Println()
		fmt.Println("Entitlements:")
		for _, key := range keys {
			fmt.Printf("  %s: %v\n", key, profile.Entitlements[key])
		}
	}
	return nil
}

func runCert(ctx context.Context, a *app, _ docopt.Opts) error {
	if a.cfg.Certificate.Path == "" {
		return errors.New("--p12 is required (or set SIGNENV_P12 environment variable)")
	}
	hash, err := a.session.Certs.Fingerprint(ctx, a.cfg.Certificate.Path, a.cfg.Certificate.Password)
	if err != nil {
		return err
	}
	cn, _, err := a.session.Certs.CommonName(ctx, a.cfg.Certificate.Path, a.cfg.Certificate.Password)
	if err != nil {
		return err
	}
	fmt.Printf("SHA1:           %s\n", hash)
	fmt.Printf("Common Name:    %s\n", valueOr(cn, "none"))
	return nil
}

func runBundle(ctx context.Context, a *app, opts docopt.Opts) error {
	appPath, _ := opts.String("--app")
	id, err := signing.AppBundleID(ctx, a.session.Profiles.Extractor, appPath)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runVerify(_ context.Context, a *app, opts docopt.Opts) error {
	binary, _ := opts.String("--binary")
	identity, _ := opts.String("--identity")

	prepared := &signing.Prepared{Identity: identity}
	if identity == "" {
		if p, err := readState(statePath(a.cfg, opts)); err == nil {
			prepared = p
		}
	}

	signer, err := a.session.VerifyArtifact(binary, prepared)
	if signer != nil {
		fmt.Printf("Binary:         %s\n", binary)
		fmt.Printf("Identifier:     %s\n", signer.Identifier)
		fmt.Printf("Team ID:        %s\n", valueOr(signer.TeamID, "none"))
		fmt.Printf("Signed By:      %s\n", valueOr(signer.CommonName, "ad-hoc"))
	}
	return err
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
