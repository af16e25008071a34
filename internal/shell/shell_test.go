package shell

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesStdout(t *testing.T) {
	res := Run(context.Background(), []string{"echo", "hello"}, Options{})
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d (%s)", res.ExitCode, res.Output)
	}
	if strings.TrimSpace(res.Output) != "hello" {
		t.Fatalf("unexpected output: %q", res.Output)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	res := Run(context.Background(), []string{"sh", "-c", "exit 3"}, Options{})
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	res := Run(context.Background(), []string{"sleep", "5"}, Options{Timeout: 10 * time.Millisecond})
	if res.ExitCode == 0 {
		t.Fatalf("expected a non-zero exit after timeout, got 0")
	}
}

func TestRunEmptyArgv(t *testing.T) {
	res := Run(context.Background(), nil, Options{})
	if res.ExitCode != -1 {
		t.Fatalf("expected -1 for empty argv, got %d", res.ExitCode)
	}
}

func TestSubstituteArgv(t *testing.T) {
	env := map[string]string{"HOME": "/root"}
	out := substituteArgv([]string{"ls", "$HOME", "${HOME}/x", "literal"}, env)
	want := []string{"ls", "/root", "/root/x", "literal"}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("substituteArgv[%d] = %q, want %q", i, out[i], want[i])
		}
	}
}

func TestMergeEnvPrefersProvided(t *testing.T) {
	merged := mergeEnv(DefaultEnv(), map[string]string{"SHELL": "/bin/zsh"})
	if merged["SHELL"] != "/bin/zsh" {
		t.Fatalf("expected provided SHELL to win, got %q", merged["SHELL"])
	}
	if merged["LANG"] != "en_US.UTF-8" {
		t.Fatalf("expected default LANG to survive, got %q", merged["LANG"])
	}
}
