// Package validation contains the input validators that guard every
// storage key and protocol-level identifier before it reaches the
// storage layer. All validators are pure functions.
package validation

import (
	"fmt"
	"strings"
)

// Limits for the individual validators.
const (
	MaxKeyLength       = 1024
	MaxDockerNameLen   = 256
	MaxTagLength       = 128
	MaxNpmNameLength   = 214
	MaxCrateNameLength = 64
)

// Error is a typed validation failure with a machine-readable kind.
type Error struct {
	Kind    string
	Message string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func errf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	_, ok := err.(*Error)
	return ok
}

// StorageKey validates a slash-delimited storage key. It rejects empty
// keys, keys longer than MaxKeyLength, NUL bytes, absolute paths,
// backslashes and any form of parent-directory traversal.
func StorageKey(key string) error {
	if key == "" {
		return errf("empty-key", "storage key must not be empty")
	}
	if len(key) > MaxKeyLength {
		return errf("key-too-long", "storage key exceeds %d bytes", MaxKeyLength)
	}
	if strings.ContainsRune(key, 0) {
		return errf("invalid-key", "storage key contains NUL byte")
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return errf("absolute-key", "storage key must be relative: %q", key)
	}
	if strings.Contains(key, "\\") {
		return errf("invalid-key", "storage key contains backslash: %q", key)
	}
	if strings.Contains(key, "..") {
		return errf("path-traversal", "storage key contains '..': %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "." {
			return errf("invalid-key", "storage key contains '.' segment: %q", key)
		}
	}
	return nil
}

// DockerName validates a repository name. Names are lowercase, at most
// MaxDockerNameLen bytes, and may contain one or more slash-separated
// segments. Each segment starts with an alphanumeric character and the
// separators '.', '_', '-' never repeat as '//', '--' or '__'.
func DockerName(name string) error {
	if name == "" {
		return errf("empty-name", "repository name must not be empty")
	}
	if len(name) > MaxDockerNameLen {
		return errf("name-too-long", "repository name exceeds %d bytes", MaxDockerNameLen)
	}
	if strings.Contains(name, "..") {
		return errf("path-traversal", "repository name contains '..': %q", name)
	}
	if strings.Contains(name, "//") || strings.Contains(name, "--") || strings.Contains(name, "__") {
		return errf("invalid-name", "repository name contains repeated separator: %q", name)
	}
	for _, r := range name {
		if !isLowerAlnum(r) && r != '.' && r != '_' && r != '-' && r != '/' {
			return errf("invalid-name", "repository name contains invalid character %q", r)
		}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" {
			return errf("invalid-name", "repository name contains empty segment: %q", name)
		}
		if !isLowerAlnum(rune(seg[0])) {
			return errf("invalid-name", "repository name segment must start alphanumeric: %q", seg)
		}
	}
	return nil
}

// Digest validates a content digest of the form {algo}:{hex}. Only
// sha256 (64 hex chars) and sha512 (128 hex chars) are accepted, and
// the hex part must be lowercase.
func Digest(dgst string) error {
	algo, hex, ok := strings.Cut(dgst, ":")
	if !ok {
		return errf("invalid-digest", "digest missing algorithm separator: %q", dgst)
	}
	var want int
	switch algo {
	case "sha256":
		want = 64
	case "sha512":
		want = 128
	default:
		return errf("invalid-digest", "unsupported digest algorithm: %q", algo)
	}
	if len(hex) != want {
		return errf("invalid-digest", "%s digest must have %d hex chars, got %d", algo, want, len(hex))
	}
	for _, r := range hex {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return errf("invalid-digest", "digest contains non-hex character %q", r)
		}
	}
	return nil
}

// Reference validates a manifest reference, which is either a digest
// or a tag. Tags are at most MaxTagLength characters, start with an
// alphanumeric character and contain only [A-Za-z0-9._-].
func Reference(ref string) error {
	if strings.Contains(ref, ":") {
		return Digest(ref)
	}
	if ref == "" {
		return errf("empty-reference", "reference must not be empty")
	}
	if len(ref) > MaxTagLength {
		return errf("reference-too-long", "tag exceeds %d characters", MaxTagLength)
	}
	if !isAlnum(rune(ref[0])) {
		return errf("invalid-reference", "tag must start alphanumeric: %q", ref)
	}
	for _, r := range ref {
		if !isAlnum(r) && r != '.' && r != '_' && r != '-' {
			return errf("invalid-reference", "tag contains invalid character %q", r)
		}
	}
	return nil
}

// NpmName validates an npm package name, including scoped names of the
// form @scope/name.
func NpmName(name string) error {
	if name == "" {
		return errf("empty-name", "package name must not be empty")
	}
	if len(name) > MaxNpmNameLength {
		return errf("name-too-long", "package name exceeds %d characters", MaxNpmNameLength)
	}
	if strings.Contains(name, "..") {
		return errf("path-traversal", "package name contains '..': %q", name)
	}
	for _, r := range name {
		if !isLowerAlnum(r) && r != '@' && r != '/' && r != '.' && r != '_' && r != '-' {
			return errf("invalid-name", "package name contains invalid character %q", r)
		}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" {
			return errf("invalid-name", "package name contains empty segment: %q", name)
		}
	}
	return nil
}

// CrateName validates a Cargo crate name: at most MaxCrateNameLength
// characters from [A-Za-z0-9_-].
func CrateName(name string) error {
	if name == "" {
		return errf("empty-name", "crate name must not be empty")
	}
	if len(name) > MaxCrateNameLength {
		return errf("name-too-long", "crate name exceeds %d characters", MaxCrateNameLength)
	}
	for _, r := range name {
		if !isAlnum(r) && r != '_' && r != '-' {
			return errf("invalid-name", "crate name contains invalid character %q", r)
		}
	}
	return nil
}

func isLowerAlnum(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
}

func isAlnum(r rune) bool {
	return isLowerAlnum(r) || r >= 'A' && r <= 'Z'
}
