package signing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/aluedeke/go-signenv/pkg/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeychain(tools *fakeTools) *Keychain {
	return &Keychain{Runner: tools, Log: nullLogger()}
}

func ensureOptions(path string) EnsureOptions {
	return EnsureOptions{
		Path:                path,
		Password:            "kc-secret",
		CertificatePath:     "/certs/dist.p12",
		CertificatePassword: testP12Pass,
	}
}

func countEntries(list []string, path string) int {
	n := 0
	for _, entry := range list {
		if entry == path {
			n++
		}
	}
	return n
}

func TestKeychain_EnsureCreatesKeychain(t *testing.T) {
	tools := newFakeTools()
	path := TempKeychainPath(t.TempDir())
	before := append([]string(nil), tools.searchList...)

	require.NoError(t, newTestKeychain(tools).Ensure(context.Background(), ensureOptions(path)))

	assert.FileExists(t, path)
	assert.Equal(t, []string{
		"create-keychain",
		"set-keychain-settings",
		"unlock-keychain",
		"import",
		"list-keychains",
		"list-keychains",
		"list-keychains",
	}, tools.subcommands())

	settings, _ := tools.lastCall("set-keychain-settings")
	assert.Equal(t, []string{"set-keychain-settings", "-lut", AutoLockSeconds, path}, settings.Args)

	imp, _ := tools.lastCall("import")
	assert.Equal(t, []string{"import", "/certs/dist.p12", "-P", testP12Pass, "-A", "-t", "cert", "-f", "pkcs12", "-k", path}, imp.Args)

	// Existing entries keep their order and the keychain is appended.
	assert.Equal(t, append(before, path), tools.searchList)
}

func TestKeychain_EnsureRecreatesExisting(t *testing.T) {
	tools := newFakeTools()
	path := TempKeychainPath(t.TempDir())
	kc := newTestKeychain(tools)

	require.NoError(t, kc.Ensure(context.Background(), ensureOptions(path)))
	tools.calls = nil
	require.NoError(t, kc.Ensure(context.Background(), ensureOptions(path)))

	subs := tools.subcommands()
	require.GreaterOrEqual(t, len(subs), 2)
	assert.Equal(t, []string{"delete-keychain", "create-keychain"}, subs[:2])
	assert.Equal(t, 1, countEntries(tools.searchList, path))
}

func TestKeychain_EnsureReusesExisting(t *testing.T) {
	tools := newFakeTools()
	path := TempKeychainPath(t.TempDir())
	kc := newTestKeychain(tools)
	opts := ensureOptions(path)
	opts.ReuseIfExists = true

	require.NoError(t, kc.Ensure(context.Background(), opts))
	tools.calls = nil
	require.NoError(t, kc.Ensure(context.Background(), opts))

	subs := tools.subcommands()
	assert.NotContains(t, subs, "delete-keychain")
	assert.NotContains(t, subs, "create-keychain")
	assert.NotContains(t, subs, "set-keychain-settings")
	assert.Contains(t, subs, "unlock-keychain")
	assert.Contains(t, subs, "import")
	assert.Equal(t, 1, countEntries(tools.searchList, path))
}

func TestKeychain_EnsureReuseCreatesWhenMissing(t *testing.T) {
	tools := newFakeTools()
	path := TempKeychainPath(t.TempDir())
	opts := ensureOptions(path)
	opts.ReuseIfExists = true

	require.NoError(t, newTestKeychain(tools).Ensure(context.Background(), opts))
	assert.Contains(t, tools.subcommands(), "create-keychain")
	assert.FileExists(t, path)
}

func TestKeychain_EnsureVerificationFailure(t *testing.T) {
	tools := newFakeTools()
	tools.ignoreSearchListWrites = true
	path := TempKeychainPath(t.TempDir())

	err := newTestKeychain(tools).Ensure(context.Background(), ensureOptions(path))
	var verifyErr *KeychainSetupVerificationError
	require.True(t, errors.As(err, &verifyErr), "got %v", err)
	assert.Equal(t, path, verifyErr.Path)
	assert.Equal(t, tools.searchList, verifyErr.SearchList)
}

func TestKeychain_EnsureStepFailure(t *testing.T) {
	tools := newFakeTools()
	tools.failOn = "import"
	path := TempKeychainPath(t.TempDir())

	err := newTestKeychain(tools).Ensure(context.Background(), ensureOptions(path))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "import failed")

	var execErr *process.ExecutionError
	assert.True(t, errors.As(err, &execErr))
	assert.NotContains(t, tools.subcommands(), "list-keychains")
}

func TestKeychain_EnsureRequiresPath(t *testing.T) {
	err := newTestKeychain(newFakeTools()).Ensure(context.Background(), EnsureOptions{})
	assert.Error(t, err)
}

func TestKeychain_DeleteMissingIsNoop(t *testing.T) {
	tools := newFakeTools()
	err := newTestKeychain(tools).Delete(context.Background(), filepath.Join(t.TempDir(), "none.keychain"))
	require.NoError(t, err)
	assert.Empty(t, tools.subcommands())
}

func TestKeychain_FindSigningIdentity(t *testing.T) {
	tools := newFakeTools()
	tools.identities = []string{testIdentity, "Apple Development: Someone (ZZZZZ99999)"}

	id, err := newTestKeychain(tools).FindSigningIdentity(context.Background(), "/k/build.keychain")
	require.NoError(t, err)
	assert.Equal(t, testIdentity, id)

	call, ok := tools.lastCall("find-identity")
	require.True(t, ok)
	assert.Equal(t, []string{"find-identity", "-v", "-p", "codesigning", "/k/build.keychain"}, call.Args)
}

func TestKeychain_FindSigningIdentityNone(t *testing.T) {
	tools := newFakeTools()
	tools.identities = nil

	_, err := newTestKeychain(tools).FindSigningIdentity(context.Background(), "/k/build.keychain")
	var notFound *SigningIdentityNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "/k/build.keychain", notFound.Path)
}

func TestKeychain_DefaultKeychainAndSearchList(t *testing.T) {
	tools := newFakeTools()
	kc := newTestKeychain(tools)

	def, err := kc.DefaultKeychain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/Users/ci/Library/Keychains/login.keychain-db", def)

	list, err := kc.SearchList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tools.searchList, list)
}

func TestParseKeychainList(t *testing.T) {
	out := "    \"/Users/ci/Library/Keychains/login.keychain-db\"\n\n    \"/Library/Keychains/System.keychain\"\n"
	assert.Equal(t, []string{
		"/Users/ci/Library/Keychains/login.keychain-db",
		"/Library/Keychains/System.keychain",
	}, parseKeychainList(out))
	assert.Empty(t, parseKeychainList(""))
}

func TestSearchListContains(t *testing.T) {
	list := []string{"/Users/ci/Library/Keychains/login.keychain-db", "/private/tmp/build/ios_signing_temp.keychain"}

	assert.True(t, searchListContains(list, "/Users/ci/Library/Keychains/login.keychain-db"))
	assert.True(t, searchListContains(list, "/tmp/build/ios_signing_temp.keychain"))
	assert.False(t, searchListContains(list, "/tmp/other/ios_signing_temp.keychain"))
	assert.False(t, searchListContains(list, "signing_temp.keychain"))
	assert.False(t, searchListContains(nil, "/tmp/a.keychain"))
}

func TestTempKeychainPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/work", TempKeychainName), TempKeychainPath("/work"))
}
