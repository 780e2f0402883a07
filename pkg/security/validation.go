package security

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	sessionIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	unsafeFilenameChars  = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	whitespaceRunPattern = regexp.MustCompile(`\s+`)
)

// ValidateSessionID checks that a chat session id is safe to use as a key
// and as a single path component.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid session id: must be 1-128 characters of letters, digits, '_' or '-'")
	}
	return nil
}

// SecureFilename reduces an uploaded filename to a safe base name. Directory
// components are dropped, whitespace runs become '_', anything outside
// [A-Za-z0-9._-] is removed and leading or trailing dots and underscores are
// trimmed. The result may be empty.
func SecureFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = whitespaceRunPattern.ReplaceAllString(strings.TrimSpace(name), "_")
	name = unsafeFilenameChars.ReplaceAllString(name, "")
	return strings.Trim(name, "._")
}

// HasAllowedExtension reports whether filename ends in one of the allowed
// extensions, compared case-insensitively. Extensions are given without dots.
func HasAllowedExtension(filename string, allowed []string) bool {
	i := strings.LastIndex(filename, ".")
	if i < 0 || i == len(filename)-1 {
		return false
	}
	ext := strings.ToLower(filename[i+1:])
	for _, a := range allowed {
		if ext == strings.ToLower(a) {
			return true
		}
	}
	return false
}

// SanitizeFilePath prevents path traversal attacks
func SanitizeFilePath(path string, baseDir string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", fmt.Errorf("path traversal detected")
		}
	}

	if baseDir == "" {
		return cleaned, nil
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}

	absPath := cleaned
	if !filepath.IsAbs(cleaned) {
		absPath = filepath.Join(absBase, cleaned)
	}
	absPath = filepath.Clean(absPath)

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) && absPath != absBase {
		return "", fmt.Errorf("path is outside allowed directory")
	}

	return absPath, nil
}

// SanitizeString removes null bytes and control characters other than
// newline, tab and carriage return.
func SanitizeString(input string) string {
	var cleaned strings.Builder
	cleaned.Grow(len(input))
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			cleaned.WriteRune(r)
		}
	}
	return cleaned.String()
}

// Truncate shortens s to at most n characters.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
