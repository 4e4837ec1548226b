package signing

import (
	"context"
	"fmt"
	"path/filepath"
)

// BundleID reads CFBundleIdentifier from an Info.plist
func BundleID(ctx context.Context, extractor Extractor, infoPlistPath string) (string, error) {
	id, found, err := extractor.Extract(ctx, Document{Path: infoPlistPath}, "CFBundleIdentifier")
	if err != nil {
		return "", err
	}
	if !found || id == "" {
		return "", fmt.Errorf("CFBundleIdentifier not found in %s", infoPlistPath)
	}
	return id, nil
}

// AppBundleID reads the bundle identifier of a .app bundle
func AppBundleID(ctx context.Context, extractor Extractor, appPath string) (string, error) {
	return BundleID(ctx, extractor, filepath.Join(appPath, "Info.plist"))
}
