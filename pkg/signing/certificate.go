package signing

import (
	"context"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/aluedeke/go-signenv/pkg/process"
	"github.com/sirupsen/logrus"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

// DefaultOpenSSLPath is the openssl binary, resolved through PATH
const DefaultOpenSSLPath = "openssl"

const fingerprintMarker = "SHA1 Fingerprint="

var (
	fingerprintLine = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(fingerprintMarker) + `(.+)`)
	subjectLine     = regexp.MustCompile(`(?m)^subject\s*=\s*(.+)$`)
)

// CertificateInspector reads identifying details from a password protected
// PKCS#12 certificate bundle
type CertificateInspector interface {
	// Fingerprint returns the SHA-1 fingerprint of the certificate as
	// upper-case hex without separators.
	Fingerprint(ctx context.Context, bundlePath, password string) (string, error)
	// CommonName returns the subject CN; found is false when the subject
	// carries none.
	CommonName(ctx context.Context, bundlePath, password string) (name string, found bool, err error)
}

func warnEmptyPassword(log logrus.FieldLogger, bundlePath, password string) {
	if password == "" {
		logger(log).WithField("bundle", bundlePath).Warn("certificate bundle password is empty; an unprotected P12 is risky and openssl may fail to read it")
	}
}

// OpenSSLInspector inspects bundles with
// `openssl pkcs12 -nokeys | openssl x509 -noout`
type OpenSSLInspector struct {
	Runner      process.Runner
	OpenSSLPath string
	Log         logrus.FieldLogger
}

func (i *OpenSSLInspector) pipeline(ctx context.Context, bundlePath, password, field string) (string, error) {
	tool := i.OpenSSLPath
	if tool == "" {
		tool = DefaultOpenSSLPath
	}
	unpack := process.NewCommand(tool, "pkcs12", "-in", bundlePath, "-nokeys", "-passin", "pass:"+password)
	show := process.NewCommand(tool, "x509", "-noout", field)
	if field == "-fingerprint" {
		show.Args = append(show.Args, "-sha1")
	}
	return i.Runner.RunPiped(ctx, unpack, show)
}

// Fingerprint returns the SHA-1 fingerprint of the bundle's certificate
func (i *OpenSSLInspector) Fingerprint(ctx context.Context, bundlePath, password string) (string, error) {
	warnEmptyPassword(i.Log, bundlePath, password)

	out, err := i.pipeline(ctx, bundlePath, password, "-fingerprint")
	if err != nil {
		return "", fmt.Errorf("failed to read fingerprint of %s: %w", bundlePath, err)
	}
	hash := parseFingerprint(out)
	if hash == "" {
		return "", fmt.Errorf("%s: %w", bundlePath, ErrFingerprintNotFound)
	}
	logger(i.Log).WithField("sha1", hash).Debug("P12 SHA1 hash")
	return hash, nil
}

// CommonName returns the CN of the bundle's certificate subject
func (i *OpenSSLInspector) CommonName(ctx context.Context, bundlePath, password string) (string, bool, error) {
	warnEmptyPassword(i.Log, bundlePath, password)

	out, err := i.pipeline(ctx, bundlePath, password, "-subject")
	if err != nil {
		return "", false, fmt.Errorf("failed to read subject of %s: %w", bundlePath, err)
	}
	cn, ok := parseSubjectCommonName(out)
	logger(i.Log).WithField("cn", cn).Debug("P12 common name")
	return cn, ok, nil
}

// parseFingerprint pulls the hex digest out of openssl x509 -fingerprint
// output. OpenSSL 3 spells the digest name in lower case.
func parseFingerprint(out string) string {
	m := fingerprintLine.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(m[1]), ":", ""))
}

// parseSubjectCommonName handles both the OpenSSL 1.x one-line form
// (subject= /C=US/O=Org/CN=Name) and the 3.x form (subject=C = US, CN = Name).
func parseSubjectCommonName(out string) (string, bool) {
	m := subjectLine.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	subject := strings.TrimSpace(m[1])

	var parts []string
	if strings.HasPrefix(subject, "/") {
		parts = strings.Split(subject, "/")
	} else {
		parts = splitRDNs(subject)
	}
	for _, part := range parts {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == "CN" {
			if cn := strings.TrimSpace(value); cn != "" {
				return cn, true
			}
		}
	}
	return "", false
}

// splitRDNs splits "C = US, CN = A\, B" on unescaped commas
func splitRDNs(s string) []string {
	var parts []string
	var cur strings.Builder
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && i+1 < len(s):
			cur.WriteByte(s[i+1])
			i++
		case s[i] == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(s[i])
		}
	}
	return append(parts, cur.String())
}

// NativeInspector inspects bundles in-process with go-pkcs12
type NativeInspector struct {
	Log logrus.FieldLogger
}

func (i *NativeInspector) load(ctx context.Context, bundlePath, password string) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read P12 file: %w", err)
	}
	_, cert, _, err := gop12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12 %s: %w", bundlePath, err)
	}
	return cert, nil
}

// Fingerprint returns the SHA-1 fingerprint of the bundle's certificate
func (i *NativeInspector) Fingerprint(ctx context.Context, bundlePath, password string) (string, error) {
	warnEmptyPassword(i.Log, bundlePath, password)

	cert, err := i.load(ctx, bundlePath, password)
	if err != nil {
		return "", err
	}
	return CertificateFingerprint(cert), nil
}

// CommonName returns the CN of the bundle's certificate subject
func (i *NativeInspector) CommonName(ctx context.Context, bundlePath, password string) (string, bool, error) {
	warnEmptyPassword(i.Log, bundlePath, password)

	cert, err := i.load(ctx, bundlePath, password)
	if err != nil {
		return "", false, err
	}
	cn := cert.Subject.CommonName
	return cn, cn != "", nil
}

// CertificateFingerprint formats the SHA-1 of the certificate DER the way
// the openssl fingerprint is reported once separators are removed
func CertificateFingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
