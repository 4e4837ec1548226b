// Package signing sets up and inspects an ephemeral code signing context.
//
// It creates a password protected keychain for a single build, imports a
// signing certificate into it, resolves the signing identity and reads
// provisioning profile metadata. The macOS tools (security, PlistBuddy and
// openssl) do the work by default; native readers built on pkcs7, plist and
// go-pkcs12 can replace everything except the keychain.
//
// # Basic Usage
//
//	session := signing.NewSession(signing.SessionOptions{Log: logrus.StandardLogger()})
//	prepared, err := session.Prepare(ctx, signing.PrepareRequest{
//	    KeychainPath:        signing.TempKeychainPath(workDir),
//	    KeychainPassword:    keychainPassword,
//	    CertificatePath:     "dist.p12",
//	    CertificatePassword: p12Password,
//	    ProfilePath:         "dist.mobileprovision",
//	    Platform:            signing.PlatformIOS,
//	    ExportMethod:        signing.ExportAppStore,
//	})
//	defer session.Cleanup(ctx, prepared)
//
// # Profile types
//
// iOS profiles classify as enterprise, development, app-store or ad-hoc;
// macOS profiles as developer-id, app-store or development. Classification
// never fails a build: an unreadable profile simply has no type.
package signing
