package supervisor

import (
	"testing"
	"time"

	"github.com/alpacax/alpamon-go/internal/config"
	"github.com/alpacax/alpamon-go/internal/platform"
	"github.com/alpacax/alpamon-go/internal/queue"
	"github.com/alpacax/alpamon-go/internal/reporter"
	"github.com/alpacax/alpamon-go/internal/transport"
)

func newTestSupervisor() *Supervisor {
	settings := &config.Settings{ServerURL: "https://example.invalid", ID: "srv", Key: "key", HTTPThreads: 1}
	q := queue.New(16)
	client := transport.New(settings, 1)
	return &Supervisor{
		settings: settings,
		family:   platform.Debian,
		q:        q,
		pool:     reporter.NewPool(1, q, client),
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	delay := minBackoff
	for i := 0; i < 10; i++ {
		delay = nextBackoff(delay)
	}
	if delay != maxBackoff {
		t.Fatalf("expected backoff to cap at %s, got %s", maxBackoff, delay)
	}
}

func TestNextBackoffFirstStepDoubles(t *testing.T) {
	if got := nextBackoff(5 * time.Second); got != 10*time.Second {
		t.Fatalf("expected 10s, got %s", got)
	}
}

func TestSendWithoutActiveSessionFails(t *testing.T) {
	s := newTestSupervisor()
	if err := s.Send(map[string]string{"query": "hello"}); err != errNoActiveSession {
		t.Fatalf("expected errNoActiveSession, got %v", err)
	}
}

func TestQuitStopsRunningWithoutRestart(t *testing.T) {
	s := newTestSupervisor()
	s.running = true

	s.Quit()

	if s.running {
		t.Fatalf("expected running to be false after Quit")
	}
	if s.restart {
		t.Fatalf("expected restart to remain false after Quit")
	}
}

func TestRestartStopsRunningAndFlagsRestart(t *testing.T) {
	s := newTestSupervisor()
	s.running = true

	s.Restart()

	if s.running {
		t.Fatalf("expected running to be false after Restart")
	}
	if !s.restart {
		t.Fatalf("expected restart to be true after Restart")
	}
}

func TestDebugSnapshotReportsQueueAndReporterState(t *testing.T) {
	s := newTestSupervisor()
	s.q.Enqueue(queue.NewEntry(queue.PriorityLogs, "POST", "/api/history/logs/", nil))

	snap := s.debugSnapshot()

	if snap["queue_length"] != 1 {
		t.Fatalf("expected queue_length 1, got %v", snap["queue_length"])
	}
	if _, ok := snap["reporters"].([]reporter.Counters); !ok {
		t.Fatalf("expected reporters to be []reporter.Counters, got %T", snap["reporters"])
	}
}

func TestVerbTableHelpTextIsStable(t *testing.T) {
	s := newTestSupervisor()
	vt := s.verbTable()
	if vt.HelpText != helpText {
		t.Fatalf("expected help text to match the package constant")
	}
	if vt.Family != platform.Debian {
		t.Fatalf("expected verb table family to mirror the supervisor's detected family")
	}
}
