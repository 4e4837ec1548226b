package signing

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aluedeke/go-signenv/pkg/process"
	"github.com/sirupsen/logrus"
	"howett.net/plist"
)

// DefaultPlistBuddyPath is where macOS ships PlistBuddy
const DefaultPlistBuddyPath = "/usr/libexec/PlistBuddy"

// Document is a property list given either by path or by its raw bytes.
// When both are set, Data wins for extractors that can read bytes.
type Document struct {
	Path string
	Data []byte
}

// Extractor reads a single value out of a property list. Key paths use
// PlistBuddy syntax: dictionary keys and array indexes separated by ':'.
//
// found is false when the key path does not exist or the document could not
// be read. err is reserved for failures that say nothing about the document,
// such as a missing tool or a cancelled context.
type Extractor interface {
	Extract(ctx context.Context, doc Document, keyPath string) (value string, found bool, err error)
}

// PlistBuddyExtractor extracts values with /usr/libexec/PlistBuddy
type PlistBuddyExtractor struct {
	Runner process.Runner
	Path   string
	Log    logrus.FieldLogger
}

// Extract runs PlistBuddy -c "Print <keyPath>" against doc.Path
func (e *PlistBuddyExtractor) Extract(ctx context.Context, doc Document, keyPath string) (string, bool, error) {
	if doc.Path == "" {
		return "", false, fmt.Errorf("PlistBuddy requires a document path")
	}
	tool := e.Path
	if tool == "" {
		tool = DefaultPlistBuddyPath
	}

	out, err := e.Runner.Run(ctx, process.NewCommand(tool, "-c", "Print "+keyPath, doc.Path))
	if err != nil {
		if process.IsExitFailure(err) {
			logger(e.Log).WithField("key", keyPath).Debug("key not found in plist")
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to print %s from plist: %w", keyPath, err)
	}
	return strings.TrimSpace(out), true, nil
}

// NativeExtractor extracts values by decoding the plist in-process
type NativeExtractor struct {
	Log logrus.FieldLogger
}

// Extract decodes doc and walks keyPath through it
func (e *NativeExtractor) Extract(ctx context.Context, doc Document, keyPath string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	data := doc.Data
	if data == nil {
		var err error
		data, err = os.ReadFile(doc.Path)
		if err != nil {
			logger(e.Log).WithError(err).Debug("failed to read plist")
			return "", false, nil
		}
	}

	var root interface{}
	if _, err := plist.Unmarshal(data, &root); err != nil {
		logger(e.Log).WithError(err).Debug("failed to parse plist")
		return "", false, nil
	}

	value, ok := lookupKeyPath(root, keyPath)
	if !ok {
		logger(e.Log).WithField("key", keyPath).Debug("key not found in plist")
		return "", false, nil
	}
	return strings.TrimSpace(formatPlistValue(value, 0)), true, nil
}

func lookupKeyPath(root interface{}, keyPath string) (interface{}, bool) {
	current := root
	for _, part := range strings.Split(strings.Trim(keyPath, ":"), ":") {
		if part == "" {
			continue
		}
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// formatPlistValue renders v the way PlistBuddy's Print does
func formatPlistValue(v interface{}, depth int) string {
	indent := strings.Repeat("    ", depth+1)
	closing := strings.Repeat("    ", depth)

	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		b.WriteString("Dict {\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "%s%s = %s\n", indent, k, formatPlistValue(val[k], depth+1))
		}
		b.WriteString(closing + "}")
		return b.String()
	case []interface{}:
		var b strings.Builder
		b.WriteString("Array {\n")
		for _, item := range val {
			fmt.Fprintf(&b, "%s%s\n", indent, formatPlistValue(item, depth+1))
		}
		b.WriteString(closing + "}")
		return b.String()
	case bool:
		return strconv.FormatBool(val)
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format("Mon Jan 02 15:04:05 MST 2006")
	default:
		return fmt.Sprint(val)
	}
}

// isTrue normalizes a plist boolean printed as text
func isTrue(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func logger(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}
