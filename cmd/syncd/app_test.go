package main

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestParseTokens(t *testing.T) {
	tokens, err := parseTokens([]string{"secret=user-1", "other=user-2"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tokens["secret"] != "user-1" || tokens["other"] != "user-2" {
		t.Fatalf("unexpected table %+v", tokens)
	}
}

func TestParseTokensRejectsMalformedEntries(t *testing.T) {
	for _, entry := range []string{"no-separator", "=user", "token="} {
		if _, err := parseTokens([]string{entry}); err == nil {
			t.Fatalf("expected error for %q", entry)
		}
	}
}

func TestParseTokensEmpty(t *testing.T) {
	tokens, err := parseTokens(nil)
	if err != nil || tokens != nil {
		t.Fatalf("expected nil table, got %v (%v)", tokens, err)
	}
}

func TestExpandPathTilde(t *testing.T) {
	got, err := expandPath("~/config.yaml")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if strings.HasPrefix(got, "~") || !filepath.IsAbs(got) {
		t.Fatalf("tilde not expanded: %q", got)
	}
}

func TestExpandPathEmpty(t *testing.T) {
	got, err := expandPath("")
	if err != nil || got != "" {
		t.Fatalf("expected empty result, got %q (%v)", got, err)
	}
}
