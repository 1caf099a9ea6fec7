package utils

import (
	"errors"
	"testing"
)

func TestCompileRegexPatterns(t *testing.T) {
	compiled, err := CompileRegexPatterns([]string{`^/admin/`, "", `\.map$`})
	if err != nil {
		t.Fatalf("CompileRegexPatterns() unexpected error: %v", err)
	}
	if len(compiled) != 2 {
		t.Fatalf("CompileRegexPatterns() returned %d patterns, want 2", len(compiled))
	}
	if !MatchesAny(compiled, "/admin/login") {
		t.Error("MatchesAny(/admin/login) = false, want true")
	}
	if !MatchesAny(compiled, "/assets/app.js.map") {
		t.Error("MatchesAny(/assets/app.js.map) = false, want true")
	}
	if MatchesAny(compiled, "/about") {
		t.Error("MatchesAny(/about) = true, want false")
	}
	if MatchesAny(nil, "/about") {
		t.Error("MatchesAny(nil) = true, want false")
	}
}

func TestCompileRegexPatterns_InvalidPattern(t *testing.T) {
	_, err := CompileRegexPatterns([]string{`valid`, `[invalid`})
	if err == nil {
		t.Fatal("CompileRegexPatterns() expected error for invalid pattern, got nil")
	}
	if !errors.Is(err, ErrConfigValidation) {
		t.Errorf("CompileRegexPatterns() error = %v, want wrapped ErrConfigValidation", err)
	}
}
