package signing

import (
	"context"
	"fmt"
	"strings"
)

// Platform selects which profile classification applies
type Platform string

const (
	PlatformIOS   Platform = "ios"
	PlatformMacOS Platform = "macos"
)

// ParsePlatform accepts ios/macos and the common aliases for them
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ios", "iphoneos", "tvos", "watchos", "mobile":
		return PlatformIOS, nil
	case "macos", "osx", "mac", "desktop":
		return PlatformMacOS, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// ProfileType is the distribution class of a provisioning profile
type ProfileType string

const (
	ProfileEnterprise  ProfileType = "enterprise"
	ProfileDevelopment ProfileType = "development"
	ProfileAppStore    ProfileType = "app-store"
	ProfileAdHoc       ProfileType = "ad-hoc"
	ProfileDeveloperID ProfileType = "developer-id"
)

// ExportMethod is the export method a caller declares for an archive
type ExportMethod string

const (
	ExportAppStore    ExportMethod = "app-store"
	ExportEnterprise  ExportMethod = "enterprise"
	ExportDeveloperID ExportMethod = "developer-id"
	ExportAdHoc       ExportMethod = "ad-hoc"
	ExportDevelopment ExportMethod = "development"
)

// ProfileSignals are the profile fields profile type classification uses
type ProfileSignals struct {
	// ProvisionsAllDevices is true when the key is present and true.
	ProvisionsAllDevices bool
	// GetTaskAllow is true when the get-task-allow entitlement is present and true.
	GetTaskAllow bool
	// ProvisionedDevices is true when the device list is present.
	ProvisionedDevices bool
}

// ClassifyMobile classifies an iOS-family profile
func ClassifyMobile(s ProfileSignals) ProfileType {
	switch {
	case s.ProvisionsAllDevices:
		return ProfileEnterprise
	case s.GetTaskAllow:
		return ProfileDevelopment
	case !s.ProvisionedDevices:
		return ProfileAppStore
	default:
		return ProfileAdHoc
	}
}

// ClassifyDesktop classifies a macOS profile
func ClassifyDesktop(s ProfileSignals) ProfileType {
	switch {
	case s.ProvisionsAllDevices:
		return ProfileDeveloperID
	case !s.ProvisionedDevices:
		return ProfileAppStore
	default:
		return ProfileDevelopment
	}
}

// Classify dispatches to the classifier for platform
func Classify(platform Platform, s ProfileSignals) ProfileType {
	if platform == PlatformMacOS {
		return ClassifyDesktop(s)
	}
	return ClassifyMobile(s)
}

// ProfileType classifies the profile at profilePath. Classification is
// advisory: any failure is logged and reported as ok == false.
func (r *ProfileReader) ProfileType(ctx context.Context, profilePath string, platform Platform) (ProfileType, bool) {
	signals, err := r.Signals(ctx, profilePath)
	if err != nil {
		logger(r.Log).WithError(err).WithField("profile", profilePath).Debug("could not classify provisioning profile")
		return "", false
	}
	t := Classify(platform, signals)
	logger(r.Log).WithField("type", t).Debug("provisioning profile type")
	return t, true
}
