// Copyright (C) 2025 Aleutian AI - AGPL v3 with additional terms, see LICENSE.txt and NOTICE.txt.

package validation

import (
	"strings"
	"testing"
)

func TestValidateModelName(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		wantErr bool
	}{
		// Valid model names
		{"with tag", "llama3:8b-q4", false},
		{"fallback model", "phi3:mini-q4", false},
		{"bare name", "mistral", false},
		{"namespaced", "library/llama3", false},
		{"dotted version", "qwen2.5:7b", false},
		{"underscored", "my_model:latest", false},

		// Invalid model names - injection attempts
		{"empty", "", true},
		{"json injection", `llama3","admin":true`, true},
		{"shell injection", "llama3; rm -rf /", true},
		{"newline injection", "llama3\n:8b", true},
		{"uppercase", "LLAMA3", true},
		{"spaces", "llama 3", true},
		{"double tag", "llama3:8b:q4", true},
		{"starts with dot", ".llama3", true},
		{"starts with colon", ":8b", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateModelName(tt.model)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateModelName(%q) error = %v, wantErr %v", tt.model, err, tt.wantErr)
			}
		})
	}
}

func TestValidateProcessPatterns(t *testing.T) {
	if err := ValidateProcessPatterns([]string{"llama-server", "ollama"}); err != nil {
		t.Errorf("valid patterns rejected: %v", err)
	}

	err := ValidateProcessPatterns([]string{"llama-server", "a b", "x;y"})
	if err == nil {
		t.Fatal("expected error for invalid patterns")
	}
	for _, bad := range []string{"a b", "x;y"} {
		if !strings.Contains(err.Error(), bad) {
			t.Errorf("error %q should name invalid pattern %q", err, bad)
		}
	}
}

func TestSanitizeModelName(t *testing.T) {
	got, err := SanitizeModelName("  Llama3:8B-q4 ")
	if err != nil {
		t.Fatalf("SanitizeModelName error: %v", err)
	}
	if got != "llama3:8b-q4" {
		t.Errorf("SanitizeModelName = %q, want %q", got, "llama3:8b-q4")
	}

	if _, err := SanitizeModelName("bad name"); err == nil {
		t.Error("expected error for unsanitizable name")
	}
}
