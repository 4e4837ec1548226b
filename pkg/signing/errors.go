package signing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFingerprintNotFound is returned when openssl output carries no SHA1 fingerprint
var ErrFingerprintNotFound = errors.New("no SHA1 fingerprint found in certificate output")

// KeychainSetupVerificationError is returned when the keychain is still not
// in the user search list after it was added
type KeychainSetupVerificationError struct {
	Path       string
	SearchList []string
}

func (e *KeychainSetupVerificationError) Error() string {
	return fmt.Sprintf("keychain %s is not in the user search list after setup (search list: %s)",
		e.Path, strings.Join(e.SearchList, ", "))
}

// SigningIdentityNotFoundError is returned when a keychain holds no valid
// code signing identity
type SigningIdentityNotFoundError struct {
	Path string
}

func (e *SigningIdentityNotFoundError) Error() string {
	return fmt.Sprintf("no code signing identity found in keychain %s", e.Path)
}

// ProfileUnreadableError is returned when a provisioning profile's CMS
// envelope cannot be verified or decodes to nothing
type ProfileUnreadableError struct {
	Path string
	Err  error
}

func (e *ProfileUnreadableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provisioning profile %s is unreadable", e.Path)
	}
	return fmt.Sprintf("provisioning profile %s is unreadable: %v", e.Path, e.Err)
}

func (e *ProfileUnreadableError) Unwrap() error {
	return e.Err
}

// ProfileFieldMissingError is returned when a required field is absent from
// a provisioning profile that decoded successfully
type ProfileFieldMissingError struct {
	Path  string
	Field string
}

func (e *ProfileFieldMissingError) Error() string {
	return fmt.Sprintf("provisioning profile %s has no %s", e.Path, e.Field)
}

// ArtifactSignerMismatchError is returned when a binary was signed by a
// different identity than the one a session resolved
type ArtifactSignerMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ArtifactSignerMismatchError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("%s is not signed with a certificate (expected %q)", e.Path, e.Expected)
	}
	return fmt.Sprintf("%s is signed by %q, expected %q", e.Path, e.Actual, e.Expected)
}
