package signing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aluedeke/go-signenv/pkg/process"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSecurityPath is the macOS security tool, resolved through PATH.
	DefaultSecurityPath = "security"

	// AutoLockSeconds is the lock timeout applied to keychains this package creates.
	AutoLockSeconds = "7200"

	// TempKeychainName is the file name used for a build's temporary keychain.
	TempKeychainName = "ios_signing_temp.keychain"
)

var quotedIdentity = regexp.MustCompile(`"(.+)"`)

func securityTool(path string) string {
	if path == "" {
		return DefaultSecurityPath
	}
	return path
}

// EnsureOptions describe the keychain Ensure should leave behind
type EnsureOptions struct {
	Path                string
	Password            string
	CertificatePath     string
	CertificatePassword string
	// ReuseIfExists keeps an existing keychain at Path instead of recreating it.
	ReuseIfExists bool
}

// Keychain manages a build keychain through the security tool
type Keychain struct {
	Runner       process.Runner
	SecurityPath string
	Log          logrus.FieldLogger
}

func (k *Keychain) security(args ...string) process.Command {
	return process.NewCommand(securityTool(k.SecurityPath), args...)
}

func (k *Keychain) run(ctx context.Context, args ...string) (string, error) {
	return k.Runner.Run(ctx, k.security(args...))
}

// keychainStep is one stage of keychain setup
type keychainStep struct {
	name string
	run  func(ctx context.Context) error
}

// Ensure creates (or reuses) the keychain at opts.Path, unlocks it, imports
// the certificate and makes sure the keychain is in the user search list.
// It fails with KeychainSetupVerificationError when the search list does not
// contain the keychain afterwards.
func (k *Keychain) Ensure(ctx context.Context, opts EnsureOptions) error {
	if opts.Path == "" {
		return fmt.Errorf("keychain path is required")
	}
	log := logger(k.Log).WithField("keychain", opts.Path)

	var steps []keychainStep
	if opts.ReuseIfExists && fileExists(opts.Path) {
		log.Debug("reusing existing keychain")
	} else {
		steps = append(steps,
			keychainStep{"delete", func(ctx context.Context) error {
				return k.Delete(ctx, opts.Path)
			}},
			keychainStep{"create", func(ctx context.Context) error {
				_, err := k.run(ctx, "create-keychain", "-p", opts.Password, opts.Path)
				return err
			}},
			keychainStep{"settings", func(ctx context.Context) error {
				_, err := k.run(ctx, "set-keychain-settings", "-lut", AutoLockSeconds, opts.Path)
				return err
			}},
		)
	}

	steps = append(steps,
		keychainStep{"unlock", func(ctx context.Context) error {
			return k.Unlock(ctx, opts.Path, opts.Password)
		}},
		keychainStep{"import", func(ctx context.Context) error {
			return k.importCertificate(ctx, opts.Path, opts.CertificatePath, opts.CertificatePassword)
		}},
		keychainStep{"search-list", func(ctx context.Context) error {
			return k.addToSearchList(ctx, opts.Path)
		}},
		keychainStep{"verify", func(ctx context.Context) error {
			return k.verifySearchList(ctx, opts.Path)
		}},
	)

	for _, step := range steps {
		log.WithField("step", step.name).Debug("keychain setup")
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("keychain %s: %s failed: %w", opts.Path, step.name, err)
		}
	}
	return nil
}

// Delete removes the keychain at path; it is a no-op when there is none
func (k *Keychain) Delete(ctx context.Context, path string) error {
	if !fileExists(path) {
		return nil
	}
	_, err := k.run(ctx, "delete-keychain", path)
	return err
}

// Unlock unlocks the keychain at path
func (k *Keychain) Unlock(ctx context.Context, path, password string) error {
	_, err := k.run(ctx, "unlock-keychain", "-p", password, path)
	return err
}

func (k *Keychain) importCertificate(ctx context.Context, path, certPath, certPassword string) error {
	_, err := k.run(ctx, "import", certPath, "-P", certPassword, "-A", "-t", "cert", "-f", "pkcs12", "-k", path)
	return err
}

// SearchList returns the user keychain search list in order
func (k *Keychain) SearchList(ctx context.Context) ([]string, error) {
	out, err := k.run(ctx, "list-keychains", "-d", "user")
	if err != nil {
		return nil, err
	}
	logger(k.Log).WithField("output", out).Debug("user keychain search list")
	return parseKeychainList(out), nil
}

func (k *Keychain) addToSearchList(ctx context.Context, path string) error {
	current, err := k.SearchList(ctx)
	if err != nil {
		return err
	}
	if searchListContains(current, path) {
		return nil
	}

	// The list is rewritten as a whole, so a concurrent writer on the host
	// can drop our entry; verifySearchList catches that.
	args := append([]string{"list-keychains", "-d", "user", "-s"}, current...)
	args = append(args, path)
	_, err = k.run(ctx, args...)
	return err
}

func (k *Keychain) verifySearchList(ctx context.Context, path string) error {
	list, err := k.SearchList(ctx)
	if err != nil {
		return err
	}
	if !searchListContains(list, path) {
		return &KeychainSetupVerificationError{Path: path, SearchList: list}
	}
	return nil
}

// FindSigningIdentity returns the first valid code signing identity in the
// keychain at path. When several are present the first one listed wins.
func (k *Keychain) FindSigningIdentity(ctx context.Context, path string) (string, error) {
	out, err := k.run(ctx, "find-identity", "-v", "-p", "codesigning", path)
	if err != nil {
		return "", err
	}
	m := quotedIdentity.FindStringSubmatch(out)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return "", &SigningIdentityNotFoundError{Path: path}
	}
	identity := m[1]
	logger(k.Log).WithField("identity", identity).Debug("found signing identity")
	return identity, nil
}

// DefaultKeychain returns the path of the user's default keychain
func (k *Keychain) DefaultKeychain(ctx context.Context) (string, error) {
	out, err := k.run(ctx, "default-keychain")
	if err != nil {
		return "", err
	}
	list := parseKeychainList(out)
	if len(list) == 0 {
		return "", fmt.Errorf("security default-keychain returned nothing")
	}
	return list[0], nil
}

// DeleteCertificate removes the certificate with the given SHA-1 hash from
// the keychain at path
func (k *Keychain) DeleteCertificate(ctx context.Context, path, sha1Hash string) error {
	_, err := k.run(ctx, "delete-certificate", "-Z", sha1Hash, path)
	return err
}

// TempKeychainPath returns the temporary keychain path inside dir
func TempKeychainPath(dir string) string {
	return filepath.Join(dir, TempKeychainName)
}

// ResolveKeychainPath makes path absolute. security stores keychains given
// by a bare or relative name under ~/Library/Keychains, where the existence
// and search list checks would not find them.
func ResolveKeychainPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// parseKeychainList splits security list-keychains output into paths
func parseKeychainList(out string) []string {
	var list []string
	for _, line := range strings.Split(out, "\n") {
		entry := strings.Trim(strings.TrimSpace(line), `"`)
		if entry != "" {
			list = append(list, entry)
		}
	}
	return list
}

// searchListContains reports whether path is in list. macOS reports some
// paths with a resolved prefix (/tmp as /private/tmp), so an entry ending in
// path also counts.
func searchListContains(list []string, path string) bool {
	clean := filepath.Clean(path)
	for _, entry := range list {
		entry = filepath.Clean(entry)
		if entry == clean || strings.HasSuffix(entry, string(filepath.Separator)+strings.TrimPrefix(clean, string(filepath.Separator))) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
