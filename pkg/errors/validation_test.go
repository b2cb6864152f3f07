package errors

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "writer", false},
		{"valid with dash", "web-search", false},
		{"valid with underscore", "web_search", false},
		{"valid with dot", "writer.v2", false},
		{"valid digits", "3d-render", false},

		{"empty", "", true},
		{"too long", strings.Repeat("a", 300), true},
		{"path traversal ..", "foo..bar", true},
		{"slash", "foo/bar", true},
		{"null byte", "foo\x00bar", true},
		{"backslash", "foo\\bar", true},
		{"control char", "foo\x01bar", true},
		{"newline", "foo\nbar", true},
		{"leading dash", "-writer", true},
		{"space", "my writer", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"manifest", "manifest.json", false},
		{"artifact", "definitions/agent/writer/1.0.0.json", false},

		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "definitions/../../secret", true},
		{"backslash", "definitions\\agent", true},
		{"control", "defs\x07", true},
		{"too long", strings.Repeat("a", 501), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePath(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRegistryURL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"https", "https://registry.example.com", false},
		{"http", "http://localhost:8080", false},
		{"s3", "s3://bucket/prefix", false},

		{"empty", "", true},
		{"ftp", "ftp://example.com", true},
		{"file", "file:///etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRegistryURL(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRegistryURL(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil && !Is(err, ErrCodeConfig) {
				t.Errorf("ValidateRegistryURL(%q) code = %v, want %v", tt.input, GetCode(err), ErrCodeConfig)
			}
		})
	}
}
