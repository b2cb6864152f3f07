package errors

import (
	"regexp"
	"strings"
	"unicode"
)

// ValidateName validates a definition name for safety and correctness.
// Definition names become directory names in the local and global stores,
// so anything that could escape the store root is rejected:
//   - No empty names
//   - No control characters or null bytes
//   - No path separators or traversal sequences
//   - Maximum length of 256 characters
func ValidateName(name string) error {
	if name == "" {
		return New(ErrCodeInvalidInput, "definition name cannot be empty")
	}

	if len(name) > 256 {
		return New(ErrCodeInvalidInput, "definition name too long (max 256 characters)")
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return New(ErrCodeInvalidInput, "definition name contains invalid control characters")
		}
	}

	dangerousPatterns := []string{
		"..",
		"/",
		"\x00",
		"\\",
	}

	for _, pattern := range dangerousPatterns {
		if strings.Contains(name, pattern) {
			return New(ErrCodeInvalidInput, "definition name contains invalid characters: %q", pattern)
		}
	}

	if !nameRegex.MatchString(name) {
		return New(ErrCodeInvalidInput, "invalid definition name: %q", name)
	}

	return nil
}

// nameRegex matches names that start with a letter or digit and continue
// with letters, digits, dots, dashes or underscores.
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidatePath validates a relative object path inside a registry.
//
// Validation rules:
//   - Path cannot be empty
//   - Maximum length of 500 characters
//   - No null bytes or control characters
//   - No absolute paths (must be relative)
//   - No path traversal sequences (..)
//   - No backslashes (Windows-style paths)
func ValidatePath(path string) error {
	if path == "" {
		return New(ErrCodeInvalidPath, "path cannot be empty")
	}

	const maxPathLength = 500
	if len(path) > maxPathLength {
		return New(ErrCodeInvalidPath, "path too long (max %d characters)", maxPathLength)
	}

	for _, r := range path {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidPath, "path contains invalid characters")
		}
	}

	if strings.HasPrefix(path, "/") {
		return New(ErrCodeInvalidPath, "path must be relative (cannot start with /)")
	}

	if strings.Contains(path, "..") {
		return New(ErrCodeInvalidPath, "path cannot contain path traversal sequences (..)")
	}

	if strings.Contains(path, "\\") {
		return New(ErrCodeInvalidPath, "path cannot contain backslashes")
	}

	return nil
}

// ValidateRegistryURL validates a registry URL.
// Registries are served over http(s) or stored in an S3-compatible bucket.
func ValidateRegistryURL(rawURL string) error {
	if rawURL == "" {
		return New(ErrCodeConfig, "registry URL cannot be empty")
	}

	for _, scheme := range []string{"http://", "https://", "s3://"} {
		if strings.HasPrefix(rawURL, scheme) {
			return nil
		}
	}
	return New(ErrCodeConfig, "registry URL must use http, https or s3 scheme: %q", rawURL)
}
