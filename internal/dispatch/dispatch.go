// Package dispatch decodes an inbound command record into the recognized
// shell kind, executes it, and posts acknowledgement and completion
// records onto the outbound queue.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/backhaul"
	"github.com/alpacax/alpamon-go/internal/queue"
	"github.com/alpacax/alpamon-go/internal/shell"
)

var log = alog.New("dispatch")

// Supervisor is the control surface command tasks reach back into, rather
// than holding a pointer to a concrete backhaul client.
type Supervisor interface {
	Restart()
	Quit()
	Send(v any) error
}

// Deps bundles everything an internal verb might need to do its job. Every
// field is optional from dispatch's point of view; verbs that need one and
// don't find it fail with a diagnostic rather than panicking.
type Deps struct {
	Queue      *queue.Queue
	Supervisor Supervisor
	Verbs      VerbTable
	Oracle     OSQueryRunner
}

// OSQueryRunner executes the osquery shell kind: SQL in, line-formatted
// text out.
type OSQueryRunner interface {
	RunLine(ctx context.Context, sql string) (int, string, error)
}

// Dispatch runs one inbound command record to completion: ack (if it has
// an id), execute according to its shell kind, then fin (if it has an
// id). It recovers panics from verb execution, turning them into exitcode
// 1 with a stack trace as the result body — the Go analogue of a captured
// traceback.
func Dispatch(ctx context.Context, cmd backhaul.CommandRecord, deps Deps) {
	start := time.Now()

	if cmd.ID != "" {
		ackPath := fmt.Sprintf("/api/events/commands/%s/ack/", cmd.ID)
		enqueue(deps.Queue, queue.PriorityCommand, http.MethodPost, ackPath, nil)
	}

	exitcode, result := execute(ctx, cmd, deps)

	if cmd.ID != "" {
		finPath := fmt.Sprintf("/api/events/commands/%s/fin/", cmd.ID)
		enqueue(deps.Queue, queue.PriorityCommand, http.MethodPost, finPath, map[string]any{
			"success":      exitcode == 0,
			"result":       result,
			"elapsed_time": time.Since(start).Seconds(),
		})
	}
}

func enqueue(q *queue.Queue, priority int, method, path string, body any) {
	if q == nil {
		return
	}
	if err := q.Enqueue(queue.NewEntry(priority, method, path, body)); err != nil {
		log.Errorf("dispatch: enqueueing %s %s: %v", method, path, err)
	}
}

func execute(ctx context.Context, cmd backhaul.CommandRecord, deps Deps) (exitcode int, result string) {
	defer func() {
		if r := recover(); r != nil {
			exitcode = 1
			result = fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			log.Errorf("dispatch: recovered panic executing %q: %v", cmd.Line, r)
		}
	}()

	switch cmd.Shell {
	case "system":
		res := runSystemLine(ctx, cmd.Line, cmd.Env, cmd.User, cmd.Group)
		return res.ExitCode, res.Output
	case "osquery":
		if deps.Oracle == nil {
			return 1, "osquery runner not configured"
		}
		code, out, err := deps.Oracle.RunLine(ctx, cmd.Line)
		if err != nil {
			return 1, err.Error()
		}
		return code, out
	case "internal":
		return executeInternal(ctx, cmd, deps)
	default:
		return 1, fmt.Sprintf("unsupported shell kind %q", cmd.Shell)
	}
}

func executeInternal(ctx context.Context, cmd backhaul.CommandRecord, deps Deps) (int, string) {
	fields := strings.Fields(cmd.Line)
	if len(fields) == 0 {
		return 1, "invalid command"
	}

	extra := CommandExtra{Data: cmd.Data}
	verb, err := Parse(fields, deps.Verbs, extra)
	if err != nil {
		return 1, err.Error()
	}
	return verb.Execute(ctx, deps)
}

// runSystemLine implements the system shell kind's small grammar:
// argv-runs joined by &&, ||, and ;, with short-circuit semantics and
// concatenated output.
func runSystemLine(ctx context.Context, line string, env map[string]string, user, group string) shell.Result {
	segments := splitShellGrammar(line)

	var output strings.Builder
	lastCode := 0
	for i, seg := range segments {
		if i > 0 {
			op := segments[i-1].trailingOp
			if op == "&&" && lastCode != 0 {
				break
			}
			if op == "||" && lastCode == 0 {
				break
			}
		}
		argv := strings.Fields(seg.argv)
		if len(argv) == 0 {
			continue
		}
		res := shell.Run(ctx, argv, shell.Options{IncludeStderr: true, Username: user, Groupname: group, Env: env})
		output.WriteString(res.Output)
		lastCode = res.ExitCode
	}
	return shell.Result{ExitCode: lastCode, Output: output.String()}
}

type segment struct {
	argv       string
	trailingOp string // "&&", "||", ";", or ""
}

// splitShellGrammar splits on &&, ||, and ; at the top level, recording
// the operator that followed each segment so the caller can apply
// short-circuit semantics.
func splitShellGrammar(line string) []segment {
	var segments []segment
	rest := line
	for {
		idx, op, oplen := nextOperator(rest)
		if idx < 0 {
			segments = append(segments, segment{argv: strings.TrimSpace(rest)})
			break
		}
		segments = append(segments, segment{argv: strings.TrimSpace(rest[:idx]), trailingOp: op})
		rest = rest[idx+oplen:]
	}
	return segments
}

func nextOperator(s string) (idx int, op string, oplen int) {
	andIdx := strings.Index(s, "&&")
	orIdx := strings.Index(s, "||")
	semiIdx := strings.Index(s, ";")

	best := -1
	bestOp := ""
	bestLen := 0
	for _, cand := range []struct {
		i, l int
		op   string
	}{
		{andIdx, 2, "&&"},
		{orIdx, 2, "||"},
		{semiIdx, 1, ";"},
	} {
		if cand.i < 0 {
			continue
		}
		if best == -1 || cand.i < best {
			best, bestOp, bestLen = cand.i, cand.op, cand.l
		}
	}
	return best, bestOp, bestLen
}
