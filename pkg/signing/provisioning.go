package signing

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aluedeke/go-signenv/pkg/process"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// Key paths read from a decoded provisioning profile
const (
	keyUUID                 = "UUID"
	keyName                 = "Name"
	keyProvisionsAllDevices = "ProvisionsAllDevices"
	keyProvisionedDevices   = "ProvisionedDevices"
	keyGetTaskAllow         = "Entitlements:get-task-allow"
	keyCloudEnvironment     = "Entitlements:com.apple.developer.icloud-container-environment"
)

// Cloud container environments reported by CloudEntitlement
const (
	CloudProduction  = "Production"
	CloudDevelopment = "Development"
)

// ProfileExtension is the file extension installed profiles are stored with
const ProfileExtension = ".mobileprovision"

// ProvisioningProfile represents a parsed .mobileprovision file
type ProvisioningProfile struct {
	Name                        string                 `plist:"Name"`
	TeamName                    string                 `plist:"TeamName"`
	TeamIdentifier              []string               `plist:"TeamIdentifier"`
	AppIDName                   string                 `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string               `plist:"ApplicationIdentifierPrefix"`
	Entitlements                map[string]interface{} `plist:"Entitlements"`
	DeveloperCertificates       [][]byte               `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string               `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool                   `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time              `plist:"CreationDate"`
	ExpirationDate              time.Time              `plist:"ExpirationDate"`
	UUID                        string                 `plist:"UUID"`
	Platform                    []string               `plist:"Platform"`
}

// ParseProvisioningProfile parses a decoded profile plist
func ParseProvisioningProfile(content []byte) (*ProvisioningProfile, error) {
	var profile ProvisioningProfile
	if _, err := plist.Unmarshal(content, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	return &profile, nil
}

// GetTeamID returns the team identifier from the profile
func (p *ProvisioningProfile) GetTeamID() string {
	if len(p.TeamIdentifier) > 0 {
		return p.TeamIdentifier[0]
	}
	if len(p.ApplicationIdentifierPrefix) > 0 {
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// GetApplicationIdentifier returns the application identifier from entitlements
func (p *ProvisioningProfile) GetApplicationIdentifier() string {
	if appID, ok := p.Entitlements["application-identifier"].(string); ok {
		return appID
	}
	return ""
}

// IsExpired checks if the provisioning profile has expired
func (p *ProvisioningProfile) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// GetCertificates parses and returns the developer certificates from the profile
func (p *ProvisioningProfile) GetCertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for i, certData := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// IncludesCertificate reports whether one of the profile's developer
// certificates has the given SHA-1 fingerprint. Unparseable entries are
// skipped.
func (p *ProvisioningProfile) IncludesCertificate(sha1Hash string) bool {
	if sha1Hash == "" {
		return false
	}
	for _, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		if strings.EqualFold(CertificateFingerprint(cert), sha1Hash) {
			return true
		}
	}
	return false
}

// ProfileDecoder strips and verifies the CMS envelope of a provisioning
// profile, returning the plist payload
type ProfileDecoder interface {
	Decode(ctx context.Context, profilePath string) ([]byte, error)
}

// SecurityDecoder decodes profiles with `security cms -D`
type SecurityDecoder struct {
	Runner       process.Runner
	SecurityPath string
}

// Decode runs security cms -D -i profilePath
func (d *SecurityDecoder) Decode(ctx context.Context, profilePath string) ([]byte, error) {
	out, err := d.Runner.Run(ctx, process.NewCommand(securityTool(d.SecurityPath), "cms", "-D", "-i", profilePath))
	if err != nil {
		return nil, &ProfileUnreadableError{Path: profilePath, Err: err}
	}
	if strings.TrimSpace(out) == "" {
		return nil, &ProfileUnreadableError{Path: profilePath, Err: errors.New("decoded profile is empty")}
	}
	return []byte(out), nil
}

// NativeDecoder decodes profiles in-process. The signer's signature is
// verified; the certificate chain is not, as security cms -D does not
// require a trusted chain either.
type NativeDecoder struct{}

// Decode parses the PKCS#7 container at profilePath and returns its content
func (NativeDecoder) Decode(ctx context.Context, profilePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return nil, &ProfileUnreadableError{Path: profilePath, Err: err}
	}

	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, &ProfileUnreadableError{Path: profilePath, Err: fmt.Errorf("failed to parse PKCS#7 container: %w", err)}
	}
	if err := p7.Verify(); err != nil {
		return nil, &ProfileUnreadableError{Path: profilePath, Err: fmt.Errorf("failed to verify PKCS#7 signature: %w", err)}
	}
	if len(strings.TrimSpace(string(p7.Content))) == 0 {
		return nil, &ProfileUnreadableError{Path: profilePath, Err: errors.New("decoded profile is empty")}
	}
	return p7.Content, nil
}

// ProfileReader reads metadata from provisioning profiles. Every accessor
// decodes the profile again into its own scratch file, which is removed
// before the accessor returns.
type ProfileReader struct {
	Decoder   ProfileDecoder
	Extractor Extractor
	// WorkDir holds scratch plists. Empty means the current directory.
	WorkDir string
	// ProfilesDir is where Install copies profiles. Empty means
	// DefaultProfilesDir().
	ProfilesDir string
	Log         logrus.FieldLogger
}

// DefaultProfilesDir returns ~/Library/MobileDevice/Provisioning Profiles
func DefaultProfilesDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, "Library", "MobileDevice", "Provisioning Profiles")
}

// withDecoded decodes profilePath into a uniquely named scratch plist, calls
// fn with it and removes the scratch file on every path out.
func (r *ProfileReader) withDecoded(ctx context.Context, profilePath string, fn func(doc Document) error) error {
	content, err := r.Decoder.Decode(ctx, profilePath)
	if err != nil {
		return err
	}

	dir := r.WorkDir
	if dir == "" {
		dir = "."
	}
	scratch := filepath.Join(dir, "_signenv-"+uuid.NewString()+".plist")
	defer func() {
		if err := os.Remove(scratch); err != nil && !os.IsNotExist(err) {
			logger(r.Log).WithError(err).WithField("path", scratch).Warn("failed to remove scratch plist")
		}
	}()
	if err := os.WriteFile(scratch, content, 0600); err != nil {
		return fmt.Errorf("failed to write scratch plist: %w", err)
	}

	return fn(Document{Path: scratch})
}

// requiredField extracts keyPath, failing when it is absent
func (r *ProfileReader) requiredField(ctx context.Context, profilePath, keyPath string) (string, error) {
	var value string
	err := r.withDecoded(ctx, profilePath, func(doc Document) error {
		v, found, err := r.Extractor.Extract(ctx, doc, keyPath)
		if err != nil {
			return err
		}
		if !found || v == "" {
			return &ProfileFieldMissingError{Path: profilePath, Field: keyPath}
		}
		value = v
		return nil
	})
	return value, err
}

// UUID returns the profile's UUID
func (r *ProfileReader) UUID(ctx context.Context, profilePath string) (string, error) {
	return r.requiredField(ctx, profilePath, keyUUID)
}

// Name returns the profile's display name
func (r *ProfileReader) Name(ctx context.Context, profilePath string) (string, error) {
	name, err := r.requiredField(ctx, profilePath, keyName)
	if err == nil {
		logger(r.Log).WithField("name", name).Debug("provisioning profile name")
	}
	return name, err
}

// CloudEntitlement reports which iCloud container environment to export
// with. found is false when the profile carries no iCloud container
// entitlement at all.
func (r *ProfileReader) CloudEntitlement(ctx context.Context, profilePath string, exportMethod ExportMethod) (string, bool, error) {
	var present bool
	err := r.withDecoded(ctx, profilePath, func(doc Document) error {
		_, found, err := r.Extractor.Extract(ctx, doc, keyCloudEnvironment)
		present = found
		return err
	})
	if err != nil || !present {
		return "", false, err
	}

	logger(r.Log).Debug("provisioning profile contains cloud entitlement")
	switch exportMethod {
	case ExportAppStore, ExportEnterprise, ExportDeveloperID:
		return CloudProduction, true, nil
	default:
		return CloudDevelopment, true, nil
	}
}

// IsEnterpriseClass reports whether ProvisionsAllDevices is set to true
func (r *ProfileReader) IsEnterpriseClass(ctx context.Context, profilePath string) (bool, error) {
	var enterprise bool
	err := r.withDecoded(ctx, profilePath, func(doc Document) error {
		v, found, err := r.Extractor.Extract(ctx, doc, keyProvisionsAllDevices)
		enterprise = found && isTrue(v)
		return err
	})
	return enterprise, err
}

// HasRestrictedDeviceList reports whether the profile lists ProvisionedDevices
func (r *ProfileReader) HasRestrictedDeviceList(ctx context.Context, profilePath string) (bool, error) {
	var restricted bool
	err := r.withDecoded(ctx, profilePath, func(doc Document) error {
		_, found, err := r.Extractor.Extract(ctx, doc, keyProvisionedDevices)
		restricted = found
		return err
	})
	return restricted, err
}

// Signals gathers every input the profile type classifiers need from a
// single decode
func (r *ProfileReader) Signals(ctx context.Context, profilePath string) (ProfileSignals, error) {
	var s ProfileSignals
	err := r.withDecoded(ctx, profilePath, func(doc Document) error {
		v, found, err := r.Extractor.Extract(ctx, doc, keyProvisionsAllDevices)
		if err != nil {
			return err
		}
		s.ProvisionsAllDevices = found && isTrue(v)

		v, found, err = r.Extractor.Extract(ctx, doc, keyGetTaskAllow)
		if err != nil {
			return err
		}
		s.GetTaskAllow = found && isTrue(v)

		_, found, err = r.Extractor.Extract(ctx, doc, keyProvisionedDevices)
		if err != nil {
			return err
		}
		s.ProvisionedDevices = found
		return nil
	})
	logger(r.Log).WithFields(logrus.Fields{
		"provisionsAllDevices": s.ProvisionsAllDevices,
		"getTaskAllow":         s.GetTaskAllow,
		"provisionedDevices":   s.ProvisionedDevices,
	}).Debug("provisioning profile signals")
	return s, err
}

// Inspect decodes the whole profile into a ProvisioningProfile
func (r *ProfileReader) Inspect(ctx context.Context, profilePath string) (*ProvisioningProfile, error) {
	content, err := r.Decoder.Decode(ctx, profilePath)
	if err != nil {
		return nil, err
	}
	return ParseProvisioningProfile(content)
}

func (r *ProfileReader) profilesDir() string {
	if r.ProfilesDir != "" {
		return r.ProfilesDir
	}
	return DefaultProfilesDir()
}

// InstalledPath returns where a profile with the given UUID is installed
func (r *ProfileReader) InstalledPath(profileUUID string) string {
	return filepath.Join(r.profilesDir(), strings.TrimSpace(profileUUID)+ProfileExtension)
}

// Install copies the profile into the profiles directory under its UUID,
// replacing any profile already installed with that UUID
func (r *ProfileReader) Install(ctx context.Context, profilePath string) (string, error) {
	profileUUID, err := r.UUID(ctx, profilePath)
	if err != nil {
		return "", err
	}

	// The directory does not exist until Xcode has run once.
	if err := os.MkdirAll(r.profilesDir(), 0755); err != nil {
		return "", fmt.Errorf("failed to create profiles directory: %w", err)
	}

	dest := r.InstalledPath(profileUUID)
	if err := copyFile(profilePath, dest, 0644); err != nil {
		return "", fmt.Errorf("failed to install provisioning profile: %w", err)
	}

	logger(r.Log).WithFields(logrus.Fields{"uuid": profileUUID, "path": dest}).Info("installed provisioning profile")
	return profileUUID, nil
}

// RemoveInstalled deletes the installed profile with the given UUID if present
func (r *ProfileReader) RemoveInstalled(profileUUID string) error {
	path := r.InstalledPath(profileUUID)
	logger(r.Log).WithField("path", path).Warn("deleting provisioning profile")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete provisioning profile: %w", err)
	}
	return nil
}

// copyFile copies a single file from src to dst with the given mode
func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
