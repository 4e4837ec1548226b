package signing

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluedeke/go-signenv/pkg/process"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

const (
	testTeamID   = "ABCDE12345"
	testIdentity = "Apple Distribution: Example Corp (ABCDE12345)"
	testP12Pass  = "p12-secret"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
	testKeyErr  error
)

func nullLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		testKey, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	require.NoError(t, testKeyErr)
	return testKey
}

// newTestCertificate returns a self-signed code signing certificate
func newTestCertificate(t *testing.T, cn string, serial int64) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key := signingKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:         cn,
			Organization:       []string{"Example Corp"},
			OrganizationalUnit: []string{testTeamID},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

// signCMS wraps content in a CMS SignedData envelope
func signCMS(t *testing.T, content []byte, cert *x509.Certificate, key *rsa.PrivateKey, detached bool) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	if detached {
		sd.Detach()
	}
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}

// profileFields returns the fields of a typical distribution profile
func profileFields(cert *x509.Certificate) map[string]interface{} {
	return map[string]interface{}{
		"UUID":                        "6F1C2A3B-0000-4C4D-9E9F-123456789ABC",
		"Name":                        "Example Distribution",
		"TeamName":                    "Example Corp",
		"TeamIdentifier":              []string{testTeamID},
		"ApplicationIdentifierPrefix": []string{testTeamID},
		"AppIDName":                   "Example",
		"CreationDate":                time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		"ExpirationDate":              time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second),
		"DeveloperCertificates":       [][]byte{cert.Raw},
		"Platform":                    []string{"iOS"},
		"Entitlements": map[string]interface{}{
			"application-identifier": testTeamID + ".com.example.app",
			"get-task-allow":         false,
		},
	}
}

// writeProfile signs fields into a .mobileprovision file in dir
func writeProfile(t *testing.T, dir string, fields map[string]interface{}) string {
	t.Helper()
	cert, key := newTestCertificate(t, "Apple iPhone OS Provisioning Profile Signing", 100)
	content, err := plist.Marshal(fields, plist.XMLFormat)
	require.NoError(t, err)

	path := filepath.Join(dir, "test.mobileprovision")
	require.NoError(t, os.WriteFile(path, signCMS(t, content, cert, key, false), 0644))
	return path
}

// writeP12 writes a PKCS#12 bundle for cert and returns its path
func writeP12(t *testing.T, dir string, cert *x509.Certificate, key *rsa.PrivateKey, password string) string {
	t.Helper()
	data, err := gop12.Modern.Encode(key, cert, nil, password)
	require.NoError(t, err)

	path := filepath.Join(dir, "cert.p12")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

// fakeTools emulates the security, PlistBuddy and openssl tools. Keychains
// are plain files so the existence checks see them; the search list is kept
// in memory.
type fakeTools struct {
	mu    sync.Mutex
	calls []process.Command

	searchList []string
	identities []string
	defaultKC  string

	// failOn makes the named security subcommand exit non-zero.
	failOn string
	// ignoreSearchListWrites simulates another process rewriting the list.
	ignoreSearchListWrites bool

	// openssl output per x509 field flag, e.g. "-fingerprint"
	openssl map[string]string
	// opensslErr fails the piped call
	opensslErr error
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		searchList: []string{"/Users/ci/Library/Keychains/login.keychain-db"},
		identities: []string{testIdentity},
		defaultKC:  "/Users/ci/Library/Keychains/login.keychain-db",
		openssl:    map[string]string{},
	}
}

func exitFailure(name string) error {
	return &process.ExecutionError{Executable: name, ExitCode: 1, Stderr: "failed"}
}

func (f *fakeTools) subcommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var subs []string
	for _, c := range f.calls {
		if c.Name == DefaultSecurityPath && len(c.Args) > 0 {
			subs = append(subs, c.Args[0])
		}
	}
	return subs
}

func (f *fakeTools) lastCall(sub string) (process.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if len(f.calls[i].Args) > 0 && f.calls[i].Args[0] == sub {
			return f.calls[i], true
		}
	}
	return process.Command{}, false
}

func (f *fakeTools) Run(ctx context.Context, cmd process.Command) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.mu.Unlock()

	switch cmd.Name {
	case DefaultPlistBuddyPath:
		return f.plistBuddy(ctx, cmd)
	case DefaultSecurityPath:
		return f.security(ctx, cmd)
	default:
		return "", &process.ExecutionError{Executable: cmd.Name, ExitCode: -1, Err: os.ErrNotExist}
	}
}

func (f *fakeTools) plistBuddy(ctx context.Context, cmd process.Command) (string, error) {
	keyPath := strings.TrimPrefix(cmd.Args[1], "Print ")
	value, found, err := (&NativeExtractor{Log: nullLogger()}).Extract(ctx, Document{Path: cmd.Args[2]}, keyPath)
	if err != nil {
		return "", err
	}
	if !found {
		return "", exitFailure(cmd.Name)
	}
	return value, nil
}

func (f *fakeTools) security(ctx context.Context, cmd process.Command) (string, error) {
	sub := cmd.Args[0]
	if sub == f.failOn {
		return "", exitFailure(cmd.Name)
	}
	last := cmd.Args[len(cmd.Args)-1]

	if sub == "cms" {
		content, err := NativeDecoder{}.Decode(ctx, last)
		if err != nil {
			return "", exitFailure(cmd.Name)
		}
		return string(content), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch sub {
	case "create-keychain":
		if fileExists(last) {
			return "", exitFailure(cmd.Name)
		}
		return "", os.WriteFile(last, []byte("keychain"), 0600)
	case "delete-keychain":
		var kept []string
		for _, entry := range f.searchList {
			if entry != last {
				kept = append(kept, entry)
			}
		}
		f.searchList = kept
		return "", os.Remove(last)
	case "set-keychain-settings", "unlock-keychain", "import", "delete-certificate":
		if !fileExists(last) {
			return "", exitFailure(cmd.Name)
		}
		return "", nil
	case "list-keychains":
		for i, arg := range cmd.Args {
			if arg == "-s" {
				if !f.ignoreSearchListWrites {
					f.searchList = append([]string(nil), cmd.Args[i+1:]...)
				}
				return "", nil
			}
		}
		var lines []string
		for _, entry := range f.searchList {
			lines = append(lines, `"`+entry+`"`)
		}
		return strings.Join(lines, "\n"), nil
	case "find-identity":
		var lines []string
		for i, id := range f.identities {
			lines = append(lines, fmt.Sprintf(`%d) 0123456789ABCDEF0123456789ABCDEF01234567 "%s"`, i+1, id))
		}
		lines = append(lines, fmt.Sprintf("%d valid identities found", len(f.identities)))
		return strings.Join(lines, "\n"), nil
	case "default-keychain":
		return `"` + f.defaultKC + `"`, nil
	}
	return "", exitFailure(cmd.Name)
}

func (f *fakeTools) RunPiped(ctx context.Context, first, second process.Command) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.calls = append(f.calls, first, second)
	f.mu.Unlock()

	if f.opensslErr != nil {
		return "", f.opensslErr
	}
	for _, arg := range second.Args {
		if out, ok := f.openssl[arg]; ok {
			return out, nil
		}
	}
	return "", nil
}
