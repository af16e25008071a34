package main

import (
	"os"
	"strings"
	"testing"
)

func TestEnvOrReturnsFallbackWhenUnset(t *testing.T) {
	os.Unsetenv("ALPAMONCTL_TEST_VAR")
	if got := envOr("ALPAMONCTL_TEST_VAR", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestEnvOrReturnsSetValueEvenIfEmpty(t *testing.T) {
	os.Setenv("ALPAMONCTL_TEST_VAR", "")
	defer os.Unsetenv("ALPAMONCTL_TEST_VAR")
	if got := envOr("ALPAMONCTL_TEST_VAR", "fallback"); got != "" {
		t.Fatalf("expected empty string to take priority over fallback, got %q", got)
	}
}

func TestConfigTemplateProducesParseableSections(t *testing.T) {
	os.Setenv("ALPACON_URL", "https://example.test")
	os.Setenv("ALPAMON_ID", "srv-1")
	os.Setenv("ALPAMON_KEY", "secret")
	defer func() {
		os.Unsetenv("ALPACON_URL")
		os.Unsetenv("ALPAMON_ID")
		os.Unsetenv("ALPAMON_KEY")
	}()

	contents := renderConfig()

	for _, want := range []string{"[server]", "[ssl]", "[logging]", "url = https://example.test", "id = srv-1", "key = secret"} {
		if !strings.Contains(contents, want) {
			t.Fatalf("expected config to contain %q, got:\n%s", want, contents)
		}
	}
}
