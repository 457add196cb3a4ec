// Package assetpath turns a path template plus parameters into a
// sanitized relative storage path.
//
// Resolution is a pure function: no I/O, no hidden state, deterministic
// for a given input. It is the first of two independent traversal
// defenses; the content store re-checks every path against its root.
package assetpath

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTemplate is used when a sub-asset carries no template of its own.
const DefaultTemplate = "{base}/{key}/v{version}/{key}.{ext}"

var (
	// ErrMissingParameter indicates base, key, version, or ext was absent or empty
	ErrMissingParameter = errors.New("missing required parameter")

	// ErrInvalidPath indicates the resolved path contained unsafe sequences
	ErrInvalidPath = errors.New("invalid path")
)

// Params are the inputs substituted into a template. Version must be a
// positive integer; Ext is normalized to lower case with no leading dot.
type Params struct {
	Base    string
	Key     string
	Version int
	Ext     string
}

var multiSlash = regexp.MustCompile(`/+`)

// Resolve substitutes params into template and validates the result.
// Every occurrence of each placeholder token ({base}, {key}, {version},
// {ext}) is replaced; the default template names {key} twice.
func Resolve(template string, p Params) (string, error) {
	if p.Base == "" || p.Key == "" || p.Ext == "" || p.Version <= 0 {
		return "", fmt.Errorf("%w: base, key, version, ext", ErrMissingParameter)
	}

	if template == "" {
		template = DefaultTemplate
	}

	base := sanitizeComponent(p.Base)
	key := sanitizeComponent(p.Key)
	if base == "" || key == "" {
		// The input was consumed entirely by sanitization, so it held
		// nothing but traversal sequences or slashes.
		return "", fmt.Errorf("%w: unsafe path component", ErrInvalidPath)
	}

	resolved := template
	resolved = strings.ReplaceAll(resolved, "{base}", base)
	resolved = strings.ReplaceAll(resolved, "{key}", key)
	resolved = strings.ReplaceAll(resolved, "{version}", strconv.Itoa(p.Version))
	resolved = strings.ReplaceAll(resolved, "{ext}", sanitizeExtension(p.Ext))

	if strings.Contains(resolved, "..") || strings.Contains(resolved, "//") {
		return "", fmt.Errorf("%w: contains unsafe characters", ErrInvalidPath)
	}

	return resolved, nil
}

// sanitizeComponent strips traversal sequences, collapses repeated
// slashes, and trims leading and trailing slashes.
func sanitizeComponent(s string) string {
	s = strings.ReplaceAll(s, "..", "")
	s = multiSlash.ReplaceAllString(s, "/")
	return strings.Trim(s, "/")
}

// sanitizeExtension lower-cases the extension and strips leading dots.
func sanitizeExtension(ext string) string {
	return strings.ToLower(strings.TrimLeft(ext, "."))
}
