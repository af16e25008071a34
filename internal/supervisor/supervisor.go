// Package supervisor drives the daemon's lifecycle: the startup sequence,
// the control-channel reconnect loop with backoff, and graceful shutdown
// or self-restart. It is the one place that owns every other component's
// lifetime.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nightlyone/lockfile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/backhaul"
	"github.com/alpacax/alpamon-go/internal/config"
	"github.com/alpacax/alpamon-go/internal/dispatch"
	"github.com/alpacax/alpamon-go/internal/inventory"
	"github.com/alpacax/alpamon-go/internal/logintake"
	"github.com/alpacax/alpamon-go/internal/osquery"
	"github.com/alpacax/alpamon-go/internal/packager"
	"github.com/alpacax/alpamon-go/internal/platform"
	"github.com/alpacax/alpamon-go/internal/ptyreg"
	"github.com/alpacax/alpamon-go/internal/ptyrun"
	"github.com/alpacax/alpamon-go/internal/queue"
	"github.com/alpacax/alpamon-go/internal/reporter"
	"github.com/alpacax/alpamon-go/internal/transport"
)

var log = alog.New("supervisor")

// Version is the agent's own version string, reported in the "started"
// event and folded into the "server" inventory key. Overridden at build
// time via -ldflags.
var Version = "dev"

const (
	minBackoff  = 5 * time.Second
	maxBackoff  = 60 * time.Second
	queueCap    = 36000
	pidFilePath = "/var/run/alpamon.pid"
)

var errNoActiveSession = errors.New("supervisor: no active control-channel session")

const helpText = `alpamon internal commands:
  ping, debug, commit, sync, upgrade [name],
  pypackage <pip-install|file-install|uninstall> NAME,
  package <install|file-install|uninstall> NAME,
  adduser|addgroup|deluser|delgroup NAME,
  download PATH, upload PATH, openpty, resizepty,
  restart, quit, reboot, shutdown, update, help
commit/sync take an optional key list from data.keys; openpty and resizepty
take their session parameters from the command's data payload.`

// Supervisor owns every long-lived component and the daemon's lifecycle.
type Supervisor struct {
	settings *config.Settings
	family   platform.Family
	argv     []string

	client      *transport.Client
	q           *queue.Queue
	pool        *reporter.Pool
	promReg     *prometheus.Registry
	metrics     *reporter.Metrics
	oracle      *osquery.Runner
	reg         *ptyreg.Registry
	reconciler  *inventory.Reconciler
	logServer   *logintake.Server
	debugServer *http.Server
	lock        lockfile.Lockfile

	mu      sync.Mutex
	running bool
	restart bool

	sessionMu sync.Mutex
	current   *backhaul.Client
}

var _ dispatch.Supervisor = (*Supervisor)(nil)

// New constructs a Supervisor from validated settings. It does not start
// anything yet; call Run for that.
func New(settings *config.Settings) (*Supervisor, error) {
	family, err := platform.Detect()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	q := queue.New(queueCap)
	client := transport.New(settings, settings.HTTPThreads)
	pool := reporter.NewPool(settings.HTTPThreads, q, client)
	promReg := prometheus.NewRegistry()
	metrics := reporter.NewMetrics(promReg, pool, q.Len)
	oracle := osquery.New(osquery.DefaultBinary)
	reg := ptyreg.New()
	logServer := logintake.New(q, 200)

	s := &Supervisor{
		settings: settings, family: family, argv: os.Args,
		client: client, q: q, pool: pool, promReg: promReg, metrics: metrics,
		oracle: oracle, reg: reg, logServer: logServer,
	}
	s.reconciler = inventory.New(keyDefs(Version, oracle, family), oracle, client, q, family, Version)
	return s, nil
}

// Restart implements dispatch.Supervisor: flag a restart, then stop the
// reconnect loop by tearing down the current session.
func (s *Supervisor) Restart() {
	s.mu.Lock()
	s.restart = true
	s.running = false
	s.mu.Unlock()
	s.closeCurrentSession()
}

// Quit implements dispatch.Supervisor: stop the reconnect loop without
// requesting a restart.
func (s *Supervisor) Quit() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.closeCurrentSession()
}

// Send implements dispatch.Supervisor: fire-and-forget a frame on whatever
// control-channel session is currently open.
func (s *Supervisor) Send(v any) error {
	s.sessionMu.Lock()
	c := s.current
	s.sessionMu.Unlock()
	if c == nil {
		return errNoActiveSession
	}
	return c.Send(v)
}

func (s *Supervisor) setCurrentSession(c *backhaul.Client) {
	s.sessionMu.Lock()
	s.current = c
	s.sessionMu.Unlock()
}

func (s *Supervisor) closeCurrentSession() {
	s.sessionMu.Lock()
	c := s.current
	s.sessionMu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Run executes the nine-step startup sequence, then the reconnect loop,
// until ctx is cancelled, Quit is called, or Restart triggers a re-exec.
// It does not return on a successful restart.
func (s *Supervisor) Run(ctx context.Context) error {
	// 2. Acquire a PID file to enforce single-instance.
	lock, err := lockfile.New(pidFilePath)
	if err != nil {
		return fmt.Errorf("supervisor: constructing pid file lock: %w", err)
	}
	if err := lock.TryLock(); err != nil {
		return fmt.Errorf("supervisor: another instance is already running: %w", err)
	}
	s.lock = lock
	defer s.lock.Unlock()

	// 3. Probe the control plane until it answers, capturing commissioned.
	commissioned, err := s.probeStartup(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: startup probe: %w", err)
	}

	// 4. Start the reporter pool.
	s.pool.Start(ctx)
	defer s.pool.Stop()

	s.debugServer = s.startDebugServer("127.0.0.1:9090")
	defer s.debugServer.Close()
	go s.refreshMetrics(ctx)

	// 5. Emit the "started" lifecycle event.
	s.enqueue(queue.PriorityCommand, http.MethodPost, "/api/events/events/", map[string]any{
		"reporter":    "alpamon",
		"record":      "started",
		"description": fmt.Sprintf("alpamon %s started on %s", Version, s.family),
	})

	// 6. Start the log fan-in server.
	logCtx, cancelLog := context.WithCancel(ctx)
	logErrCh := make(chan error, 1)
	go func() { logErrCh <- s.logServer.Serve(logCtx, fmt.Sprintf("127.0.0.1:%d", logintake.DefaultPort)) }()
	defer func() {
		cancelLog()
		s.logServer.Close()
		<-logErrCh
	}()

	// 7. Install the fact-query tool if it's missing.
	if err := s.ensureFactTool(ctx); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	// 8. Trigger commit_async(commissioned).
	s.commitAsync(ctx, commissioned, nil)

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	// 9. Reconnect loop.
	s.reconnectLoop(ctx)

	s.mu.Lock()
	restart := s.restart
	s.mu.Unlock()
	if restart {
		return s.reexec()
	}
	return nil
}

func (s *Supervisor) probeStartup(ctx context.Context) (bool, error) {
	delay := minBackoff
	for {
		resp, err := s.client.Get(ctx, "/api/servers/servers/-/", 10*time.Second)
		if err == nil && resp.StatusCode == http.StatusOK {
			var body struct {
				Commissioned bool `json:"commissioned"`
			}
			if jsonErr := resp.JSON(&body); jsonErr != nil {
				log.Warnf("supervisor: decoding startup probe body: %v", jsonErr)
			}
			return body.Commissioned, nil
		}
		if err != nil {
			log.Warnf("supervisor: startup probe failed: %v; retrying in %s", err, delay)
		} else {
			log.Warnf("supervisor: startup probe returned %d; retrying in %s", resp.StatusCode, delay)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
}

func (s *Supervisor) ensureFactTool(ctx context.Context) error {
	if s.oracle.Present() {
		return nil
	}
	log.Warnf("fact-query tool %s not found; fetching from the control plane", s.oracle.Binary)
	path, cleanup, err := s.fetchArtifact(ctx, s.oracle.Binary)
	if err != nil {
		return fmt.Errorf("fact-query tool is missing and could not be fetched: %w", err)
	}
	defer cleanup()

	res := packager.InstallSystem(ctx, s.family, platform.Install, platform.FromFile, path)
	if res.ExitCode != 0 {
		return fmt.Errorf("installing fact-query tool: %s", res.Output)
	}
	return nil
}

// fetchArtifact downloads a named build artifact from the control plane's
// package index into a temp file, used by both upgrade and the fact-tool
// bootstrap.
func (s *Supervisor) fetchArtifact(ctx context.Context, name string) (string, func(), error) {
	path := "/api/packages/system/entries/?name=" + url.QueryEscape(name)
	resp, err := s.client.Get(ctx, path, 60*time.Second)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetching artifact %s: unexpected status %d", name, resp.StatusCode)
	}

	f, err := os.CreateTemp("", "alpamon-artifact-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating temp file for artifact %s: %w", name, err)
	}
	if _, err := f.Write(resp.Body); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("writing artifact %s: %w", name, err)
	}
	f.Close()
	os.Chmod(f.Name(), 0755)

	cleanup := func() { os.Remove(f.Name()) }
	return f.Name(), cleanup, nil
}

// commitAsync chooses sync over a full commit once the host is
// commissioned, run off the calling goroutine as the spec requires.
func (s *Supervisor) commitAsync(ctx context.Context, commissioned bool, keys []string) {
	go func() {
		var err error
		if commissioned {
			err = s.reconciler.Sync(ctx, keys)
		} else {
			err = s.reconciler.Commit(ctx, keys)
		}
		if err != nil {
			log.Errorf("supervisor: commit_async: %v", err)
		}
	}()
}

func (s *Supervisor) enqueue(priority int, method, path string, body any) {
	if err := s.q.Enqueue(queue.NewEntry(priority, method, path, body)); err != nil {
		log.Errorf("supervisor: enqueueing %s %s: %v", method, path, err)
	}
}

func (s *Supervisor) reconnectLoop(ctx context.Context) {
	delay := minBackoff
	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running || ctx.Err() != nil {
			return
		}

		client, err := backhaul.Dial(ctx, s.settings)
		if err != nil {
			log.Warnf("supervisor: dialing control channel failed: %v; retrying in %s", err, delay)
			if !s.sleepBackoff(ctx, delay) {
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		s.setCurrentSession(client)
		processed, runErr := client.Run(ctx, s.backhaulHandlers(ctx))
		client.Close()
		s.setCurrentSession(nil)

		if ctx.Err() != nil {
			return
		}
		if runErr != nil {
			log.Warnf("supervisor: control channel session ended: %v", runErr)
		}

		if processed > 0 {
			delay = minBackoff
		} else {
			delay = nextBackoff(delay)
		}

		s.mu.Lock()
		running = s.running
		s.mu.Unlock()
		if !running {
			return
		}
		if !s.sleepBackoff(ctx, delay) {
			return
		}
	}
}

func nextBackoff(delay time.Duration) time.Duration {
	delay *= 2
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

func (s *Supervisor) sleepBackoff(ctx context.Context, delay time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (s *Supervisor) backhaulHandlers(ctx context.Context) backhaul.Handlers {
	return backhaul.Handlers{
		OnCommit: func(commissioned bool, keys []string) {
			s.commitAsync(ctx, commissioned, keys)
		},
		OnCommand: func(cmd backhaul.CommandRecord) {
			go dispatch.Dispatch(ctx, cmd, s.dispatchDeps())
		},
		OnQuit: func() {
			s.Quit()
		},
		OnReconnect: func() {
			s.closeCurrentSession()
		},
	}
}

func (s *Supervisor) dispatchDeps() dispatch.Deps {
	return dispatch.Deps{
		Queue:      s.q,
		Supervisor: s,
		Verbs:      s.verbTable(),
		Oracle:     s.oracle,
	}
}

// verbTable builds the closures internal verbs need. Background work it
// schedules (sync/commit/pty spawn) deliberately outlives the triggering
// command's own short-lived context, so it runs against context.Background
// rather than threading the caller's ctx through.
func (s *Supervisor) verbTable() dispatch.VerbTable {
	return dispatch.VerbTable{
		Family: s.family,
		SyncFn: func(keys []string) {
			go func() {
				if err := s.reconciler.Sync(context.Background(), keys); err != nil {
					log.Errorf("supervisor: sync: %v", err)
				}
			}()
		},
		CommitFn: func(keys []string) {
			go func() {
				if err := s.reconciler.Commit(context.Background(), keys); err != nil {
					log.Errorf("supervisor: commit: %v", err)
				}
			}()
		},
		SpawnPTY: func(args dispatch.OpenPTYArgs) error {
			return ptyrun.Spawn(context.Background(), s.settings, s.reg, ptyrun.SpawnArgs{
				SessionID: args.SessionID, URL: args.URL,
				Username: args.Username, Groupname: args.Groupname, HomeDirectory: args.HomeDirectory,
				Rows: args.Rows, Cols: args.Cols, Argv: []string{"/bin/bash", "-l"},
			})
		},
		ResizePTY: func(sessionID string, rows, cols int) error {
			return s.reg.Resize(sessionID, rows, cols)
		},
		FetchArtifact: s.fetchArtifact,
		DebugSnapshot: s.debugSnapshot,
		HelpText:      helpText,
	}
}

// startDebugServer binds a loopback-only HTTP server exposing Prometheus
// metrics and the log fan-in server's recent-records endpoint. It never
// listens on anything but localhost, since neither surface is meant to
// reach the control plane.
func (s *Supervisor) startDebugServer(addr string) *http.Server {
	mux := s.logServer.DebugRouter()
	mux.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{})))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("supervisor: debug server stopped: %v", err)
		}
	}()
	return srv
}

func (s *Supervisor) debugSnapshot() map[string]any {
	return map[string]any{
		"queue_length": s.q.Len(),
		"queue_full":   s.q.Full(),
		"ignored":      s.q.Ignored(),
		"reporters":    s.pool.Stats(),
	}
}

// logHook adapts alog's hook interface to the outbound queue, forwarding
// the agent's own log records the same way logintake forwards records
// from co-resident processes, without a network round trip.
type logHook struct{ q *queue.Queue }

func (h logHook) Handle(r alog.Record) {
	rec := logintake.Record{
		Created: float64(r.Created.UnixNano()) / 1e9,
		LevelNo: int(r.Level),
		Name:    r.Name, Pathname: r.Pathname, Lineno: r.Lineno,
		Process: r.Process, Thread: r.Thread, Program: r.Program, Msg: r.Msg,
	}
	entry := queue.NewEntry(queue.PriorityLogs, http.MethodPost, "/api/history/logs/", logintake.PostBody(rec))
	if err := h.q.Enqueue(entry); err != nil {
		// Dropping our own log forwarding must never itself log at a
		// level that would re-enter this hook.
		_ = err
	}
}

// InstallLogHook registers q to receive every INFO-and-above log record
// the process emits, in addition to stderr.
func (s *Supervisor) InstallLogHook() {
	alog.AddHook(logHook{q: s.q})
}

// reexec replaces the current process image with the original argv,
// keeping the same pid, so systemd (or whatever launched us) sees one
// continuous process rather than a restart.
func (s *Supervisor) reexec() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("supervisor: resolving executable path for restart: %w", err)
	}
	log.Infof("supervisor: restarting via re-exec")
	return syscall.Exec(self, s.argv, os.Environ())
}

// refreshMetrics periodically copies the reporter pool's counters into the
// registered Prometheus gauges, since they are push-updated rather than
// computed on scrape.
func (s *Supervisor) refreshMetrics(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.metrics.Refresh(s.pool)
		}
	}
}
