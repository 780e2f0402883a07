package security

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateSessionID(t *testing.T) {
	valid := []string{"abc", "session_1", "a-b-c", strings.Repeat("x", 128)}
	for _, id := range valid {
		if err := ValidateSessionID(id); err != nil {
			t.Errorf("ValidateSessionID(%q) unexpected error: %v", id, err)
		}
	}

	invalid := []string{"", "../etc", "a/b", "a b", "x.y", strings.Repeat("x", 129)}
	for _, id := range invalid {
		if err := ValidateSessionID(id); err == nil {
			t.Errorf("ValidateSessionID(%q) expected error", id)
		}
	}
}

func TestSecureFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"recording.webm", "recording.webm"},
		{"my voice note.mp3", "my_voice_note.mp3"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\clip.wav`, "clip.wav"},
		{".hidden.ogg", "hidden.ogg"},
		{"héllo wörld.m4a", "hllo_wrld.m4a"},
		{"../..", ""},
		{"???", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SecureFilename(tt.in); got != tt.want {
				t.Errorf("SecureFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHasAllowedExtension(t *testing.T) {
	allowed := []string{"mp3", "wav", "webm"}

	tests := []struct {
		name string
		want bool
	}{
		{"a.mp3", true},
		{"A.WAV", true},
		{"clip.tar.webm", true},
		{"clip.txt", false},
		{"noext", false},
		{"trailingdot.", false},
	}
	for _, tt := range tests {
		if got := HasAllowedExtension(tt.name, allowed); got != tt.want {
			t.Errorf("HasAllowedExtension(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestSanitizeFilePath_PathTraversal(t *testing.T) {
	base := t.TempDir()

	got, err := SanitizeFilePath("clip.wav", base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != filepath.Join(base, "clip.wav") {
		t.Errorf("unexpected path %s", got)
	}

	if _, err := SanitizeFilePath("my..clip.wav", base); err != nil {
		t.Errorf("dots inside a name are not traversal: %v", err)
	}
	if _, err := SanitizeFilePath("../outside.wav", base); err == nil {
		t.Error("expected traversal error")
	}
	if _, err := SanitizeFilePath("/etc/passwd", base); err == nil {
		t.Error("expected outside-directory error")
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("ok\x00\x07 text\n"); got != "ok text\n" {
		t.Errorf("unexpected result %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("hello", 10); got != "hello" {
		t.Errorf("short string changed: %q", got)
	}
	if got := Truncate("hello", 3); got != "hel" {
		t.Errorf("expected 'hel', got %q", got)
	}
	if got := Truncate("ñandú", 2); got != "ña" {
		t.Errorf("expected rune-aware truncation, got %q", got)
	}
	if got := Truncate("x", 0); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
