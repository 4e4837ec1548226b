package signing

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluedeke/go-signenv/pkg/process"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// SessionOptions configure the components a Session is built from
type SessionOptions struct {
	Runner process.Runner
	// Native selects the in-process profile, plist and certificate readers
	// instead of security cms, PlistBuddy and openssl. Keychain management
	// always uses the security tool.
	Native bool

	SecurityPath   string
	PlistBuddyPath string
	OpenSSLPath    string

	WorkDir     string
	ProfilesDir string
	Log         logrus.FieldLogger
}

// Session prepares and tears down the signing context of one build
type Session struct {
	Keychain *Keychain
	Profiles *ProfileReader
	Certs    CertificateInspector
	Log      logrus.FieldLogger
}

// NewSession wires a Session from opts
func NewSession(opts SessionOptions) *Session {
	log := logger(opts.Log)
	runner := opts.Runner
	if runner == nil {
		runner = process.NewExecRunner(log)
	}

	s := &Session{
		Keychain: &Keychain{Runner: runner, SecurityPath: opts.SecurityPath, Log: log},
		Profiles: &ProfileReader{WorkDir: opts.WorkDir, ProfilesDir: opts.ProfilesDir, Log: log},
		Log:      log,
	}
	if opts.Native {
		s.Profiles.Decoder = NativeDecoder{}
		s.Profiles.Extractor = &NativeExtractor{Log: log}
		s.Certs = &NativeInspector{Log: log}
	} else {
		s.Profiles.Decoder = &SecurityDecoder{Runner: runner, SecurityPath: opts.SecurityPath}
		s.Profiles.Extractor = &PlistBuddyExtractor{Runner: runner, Path: opts.PlistBuddyPath, Log: log}
		s.Certs = &OpenSSLInspector{Runner: runner, OpenSSLPath: opts.OpenSSLPath, Log: log}
	}
	return s
}

// PrepareRequest describes the signing context a build needs
type PrepareRequest struct {
	KeychainPath        string
	KeychainPassword    string
	CertificatePath     string
	CertificatePassword string
	ReuseKeychain       bool

	// ProfilePath is optional; without it no profile is installed or inspected.
	ProfilePath  string
	Platform     Platform
	ExportMethod ExportMethod
}

// Prepared is what Prepare set up
type Prepared struct {
	KeychainPath string
	// KeychainCreated is false when an existing keychain was reused.
	KeychainCreated bool
	Identity        string
	CertificateSHA1 string

	ProfileUUID string
	// ProfileName is empty when the profile has no Name.
	ProfileName          string
	InstalledProfilePath string
	// CertificateInProfile reports whether the imported certificate is one
	// of the profile's developer certificates.
	CertificateInProfile bool
	// ProfileType is empty when the profile could not be classified.
	ProfileType ProfileType
	// CloudEnvironment is empty when the profile has no iCloud container entitlement.
	CloudEnvironment string
}

// Prepare sets up the keychain, resolves the signing identity and installs
// the provisioning profile. A relative keychain path is made absolute. On
// failure the returned Prepared records what was set up so far and can be
// passed to Cleanup.
func (s *Session) Prepare(ctx context.Context, req PrepareRequest) (*Prepared, error) {
	log := logger(s.Log)
	req.KeychainPath = ResolveKeychainPath(req.KeychainPath)
	prepared := &Prepared{
		KeychainPath:    req.KeychainPath,
		KeychainCreated: !(req.ReuseKeychain && fileExists(req.KeychainPath)),
	}

	err := s.Keychain.Ensure(ctx, EnsureOptions{
		Path:                req.KeychainPath,
		Password:            req.KeychainPassword,
		CertificatePath:     req.CertificatePath,
		CertificatePassword: req.CertificatePassword,
		ReuseIfExists:       req.ReuseKeychain,
	})
	if err != nil {
		return prepared, err
	}

	if prepared.Identity, err = s.Keychain.FindSigningIdentity(ctx, req.KeychainPath); err != nil {
		return prepared, err
	}
	log.WithField("identity", prepared.Identity).Info("resolved signing identity")

	if prepared.CertificateSHA1, err = s.Certs.Fingerprint(ctx, req.CertificatePath, req.CertificatePassword); err != nil {
		return prepared, err
	}

	if req.ProfilePath == "" {
		return prepared, nil
	}

	if prepared.ProfileUUID, err = s.Profiles.Install(ctx, req.ProfilePath); err != nil {
		return prepared, err
	}
	prepared.InstalledProfilePath = s.Profiles.InstalledPath(prepared.ProfileUUID)

	prepared.ProfileName, err = s.Profiles.Name(ctx, req.ProfilePath)
	var missing *ProfileFieldMissingError
	switch {
	case errors.As(err, &missing):
		log.WithField("profile", req.ProfilePath).Debug("provisioning profile has no name")
	case err != nil:
		return prepared, err
	}

	s.checkProfileCertificate(ctx, req.ProfilePath, prepared)

	if t, ok := s.Profiles.ProfileType(ctx, req.ProfilePath, req.Platform); ok {
		prepared.ProfileType = t
	}

	env, found, err := s.Profiles.CloudEntitlement(ctx, req.ProfilePath, req.ExportMethod)
	switch {
	case err != nil:
		log.WithError(err).Warn("could not read cloud entitlement")
	case found:
		prepared.CloudEnvironment = env
	}

	log.WithFields(logrus.Fields{
		"uuid": prepared.ProfileUUID,
		"name": prepared.ProfileName,
		"type": prepared.ProfileType,
	}).Info("prepared provisioning profile")
	return prepared, nil
}

// checkProfileCertificate records whether the profile lists the imported
// certificate. A mismatch is logged, not returned.
func (s *Session) checkProfileCertificate(ctx context.Context, profilePath string, p *Prepared) {
	log := logger(s.Log).WithField("profile", profilePath)
	profile, err := s.Profiles.Inspect(ctx, profilePath)
	if err != nil {
		log.WithError(err).Warn("could not read developer certificates")
		return
	}
	p.CertificateInProfile = profile.IncludesCertificate(p.CertificateSHA1)
	if !p.CertificateInProfile {
		log.WithField("sha1", p.CertificateSHA1).Warn("certificate is not included in the provisioning profile")
	}
}

// Cleanup removes the installed profile and deletes the keychain if Prepare
// created it. Every step runs; failures are returned together.
func (s *Session) Cleanup(ctx context.Context, p *Prepared) error {
	if p == nil {
		return nil
	}
	var result *multierror.Error

	if p.ProfileUUID != "" {
		if err := s.Profiles.RemoveInstalled(p.ProfileUUID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if p.KeychainCreated && p.KeychainPath != "" {
		if err := s.Keychain.Delete(ctx, p.KeychainPath); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to delete keychain %s: %w", p.KeychainPath, err))
		}
	} else if p.KeychainPath != "" {
		logger(s.Log).WithField("keychain", p.KeychainPath).Debug("keeping reused keychain")
	}

	return result.ErrorOrNil()
}

// VerifyArtifact checks that the Mach-O at path was signed by the identity
// Prepare resolved
func (s *Session) VerifyArtifact(path string, p *Prepared) (*ArtifactSigner, error) {
	signer, err := ReadArtifactSigner(path)
	if err != nil {
		return nil, err
	}
	if p == nil || p.Identity == "" {
		return signer, nil
	}
	if signer.CommonName != p.Identity {
		return signer, &ArtifactSignerMismatchError{Path: path, Expected: p.Identity, Actual: signer.CommonName}
	}
	return signer, nil
}
