package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alpacax/alpamon-go/internal/packager"
	"github.com/alpacax/alpamon-go/internal/platform"
)

// ErrUnknownVerb is returned by Parse for any argv[0] outside the closed
// internal verb set.
var ErrUnknownVerb = errors.New("dispatch: unknown internal verb")

// ErrMissingField is returned when a verb's required payload is absent.
var ErrMissingField = errors.New("dispatch: missing required field")

// Verb is one internal command, already validated at construction time —
// required-field checks belong here, not in Execute.
type Verb interface {
	Execute(ctx context.Context, deps Deps) (exitcode int, result string)
}

// VerbTable lets callers inject the pieces that vary by deployment
// (platform family, inventory sync trigger, PTY spawner, artifact
// fetcher, help text, debug snapshot) without dispatch depending on their
// concrete packages directly.
type VerbTable struct {
	Family        platform.Family
	SyncFn        func(keys []string)
	CommitFn      func(keys []string)
	SpawnPTY      func(args OpenPTYArgs) error
	ResizePTY     func(sessionID string, rows, cols int) error
	FetchArtifact func(ctx context.Context, name string) (path string, cleanup func(), err error)
	DebugSnapshot func() map[string]any
	HelpText      string
}

// CommandExtra carries the parts of a command record that aren't encoded
// in its argv line but that a handful of verbs still need: the raw data
// payload backing commit/sync's key list, openpty/resizepty's session
// parameters, and download/upload's {type, content, username, groupname}
// body.
type CommandExtra struct {
	Data json.RawMessage
}

// Parse tokenizes argv[0] and dispatches to the verb's constructor,
// performing required-field validation up front.
func Parse(fields []string, vt VerbTable, extra CommandExtra) (Verb, error) {
	verb, args := fields[0], fields[1:]
	switch verb {
	case "pypackage":
		return newPyPackageVerb(args)
	case "package":
		return newPackageVerb(args, vt.Family)
	case "upgrade":
		return newUpgradeVerb(args, vt)
	case "commit":
		return commitVerb{keys: dataKeys(extra.Data), vt: vt}, nil
	case "sync":
		return syncVerb{keys: dataKeys(extra.Data), vt: vt}, nil
	case "adduser", "addgroup", "deluser", "delgroup":
		return newUserGroupVerb(verb, args, vt)
	case "ping":
		return pingVerb{}, nil
	case "debug":
		return debugVerb{vt: vt}, nil
	case "download":
		return newTransferVerb("download", args, extra)
	case "upload":
		return newTransferVerb("upload", args, extra)
	case "openpty":
		return newOpenPTYVerb(extra.Data, vt)
	case "resizepty":
		return newResizePTYVerb(extra.Data, vt)
	case "restart":
		return lifecycleVerb{action: "restart"}, nil
	case "quit":
		return lifecycleVerb{action: "quit"}, nil
	case "reboot", "shutdown", "update":
		return platformActionVerb{action: verb}, nil
	case "help":
		return helpVerb{text: vt.HelpText}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
	}
}

// pingVerb returns the current timestamp, used by the controller as a
// liveness probe.
type pingVerb struct{}

func (pingVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	return 0, time.Now().UTC().Format(time.RFC3339)
}

// debugVerb returns a JSON introspection snapshot: queue size, full flag,
// and reporter counters, sourced from VerbTable.DebugSnapshot.
type debugVerb struct{ vt VerbTable }

func (v debugVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	snapshot := map[string]any{}
	if v.vt.DebugSnapshot != nil {
		snapshot = v.vt.DebugSnapshot()
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return 1, err.Error()
	}
	return 0, string(b)
}

// helpVerb returns the canonical help text.
type helpVerb struct{ text string }

func (v helpVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	return 0, v.text
}

// dataKeys extracts the optional {"keys": [...]} restriction from a
// commit/sync command's data payload. Absent or malformed data means "all
// keys", matching the original's data.get('keys', []).
func dataKeys(data json.RawMessage) []string {
	if len(data) == 0 {
		return nil
	}
	var payload struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	return payload.Keys
}

// commitVerb/syncVerb trigger the inventory reconciler with an optional
// restricted key set.
type commitVerb struct {
	keys []string
	vt   VerbTable
}

func (v commitVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	if v.vt.CommitFn == nil {
		return 1, "inventory commit is not configured"
	}
	v.vt.CommitFn(v.keys)
	return 0, "commit scheduled"
}

type syncVerb struct {
	keys []string
	vt   VerbTable
}

func (v syncVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	if v.vt.SyncFn == nil {
		return 1, "inventory sync is not configured"
	}
	v.vt.SyncFn(v.keys)
	return 0, "sync scheduled"
}

// lifecycleVerb handles restart/quit: it schedules a one-second deferred
// signal on the supervisor, giving the ack time to drain before the
// process tears down.
type lifecycleVerb struct{ action string }

func (v lifecycleVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	if deps.Supervisor == nil {
		return 1, "supervisor control surface is not configured"
	}
	sup := deps.Supervisor
	go func() {
		time.Sleep(time.Second)
		if v.action == "restart" {
			sup.Restart()
		} else {
			sup.Quit()
		}
	}()
	return 0, fmt.Sprintf("alpamon will %s in 1 second.", v.action)
}

// platformActionVerb handles reboot/shutdown/update: translate to a
// platform shell line and run it as root.
type platformActionVerb struct{ action string }

func (v platformActionVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	argv, err := platformActionArgv(v.action)
	if err != nil {
		return 1, err.Error()
	}
	res := runSystemLine(ctx, joinArgv(argv), nil, "root", "")
	return res.ExitCode, res.Output
}

func platformActionArgv(action string) ([]string, error) {
	switch action {
	case "reboot":
		return []string{"shutdown", "-r", "now"}, nil
	case "shutdown":
		return []string{"shutdown", "-h", "now"}, nil
	case "update":
		return []string{"alpamon", "upgrade"}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, action)
	}
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// newPyPackageVerb validates `pypackage <action> <name>`.
type pyPackageVerb struct {
	action packager.Action
	name   string
}

func newPyPackageVerb(args []string) (Verb, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: pypackage requires <action> <name>", ErrMissingField)
	}
	return pyPackageVerb{action: packager.Action(args[0]), name: args[1]}, nil
}

func (v pyPackageVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	res := packager.InstallPython(ctx, v.action, v.name)
	return res.ExitCode, res.Output
}

// newPackageVerb validates `package <request> <name>`.
type packageVerb struct {
	family platform.Family
	req    platform.Request
	src    platform.Source
	name   string
}

func newPackageVerb(args []string, fam platform.Family) (Verb, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: package requires <action> <name>", ErrMissingField)
	}
	req, src := splitPackageAction(args[0])
	return packageVerb{family: fam, req: req, src: src, name: args[1]}, nil
}

func splitPackageAction(action string) (platform.Request, platform.Source) {
	switch action {
	case "install":
		return platform.Install, platform.FromRepo
	case "file-install":
		return platform.Install, platform.FromFile
	case "uninstall":
		return platform.Uninstall, platform.FromRepo
	default:
		return platform.Request(action), platform.FromRepo
	}
}

func (v packageVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	res := packager.InstallSystem(ctx, v.family, v.req, v.src, v.name)
	return res.ExitCode, res.Output
}

// newUpgradeVerb validates `upgrade [name]`, defaulting to "alpamon".
type upgradeVerb struct {
	name string
	vt   VerbTable
}

func newUpgradeVerb(args []string, vt VerbTable) (Verb, error) {
	name := "alpamon"
	if len(args) > 0 {
		name = args[0]
	}
	return upgradeVerb{name: name, vt: vt}, nil
}

func (v upgradeVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	if v.vt.FetchArtifact == nil {
		return 1, "artifact fetcher is not configured"
	}
	path, cleanup, err := v.vt.FetchArtifact(ctx, v.name)
	if err != nil {
		return 1, err.Error()
	}
	if cleanup != nil {
		defer cleanup()
	}
	res := packager.InstallSystem(ctx, v.vt.Family, platform.Install, platform.FromFile, path)
	if res.ExitCode != 0 {
		return res.ExitCode, res.Output
	}
	if v.vt.SyncFn != nil {
		keys := []string{"pypackages"}
		if v.name == "alpamon" {
			keys = []string{"server", "pypackages"}
		}
		v.vt.SyncFn(keys)
	}
	return 0, res.Output
}

// newUserGroupVerb validates that adduser/addgroup/deluser/delgroup carry
// a name argument; the command's data payload is not read.
type userGroupVerb struct {
	action string
	name   string
	vt     VerbTable
}

func newUserGroupVerb(action string, args []string, vt VerbTable) (Verb, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("%w: %s requires a name", ErrMissingField, action)
	}
	return userGroupVerb{action: action, name: args[0], vt: vt}, nil
}

func (v userGroupVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	argv, err := userGroupArgv(v.action, v.name)
	if err != nil {
		return 1, err.Error()
	}
	res := runSystemLine(ctx, joinArgv(argv), nil, "root", "")
	if res.ExitCode == 0 && v.vt.SyncFn != nil {
		v.vt.SyncFn([]string{"groups", "users"})
	}
	return res.ExitCode, res.Output
}

func userGroupArgv(action, name string) ([]string, error) {
	switch action {
	case "adduser":
		return []string{"useradd", "-m", name}, nil
	case "addgroup":
		return []string{"groupadd", name}, nil
	case "deluser":
		return []string{"userdel", "-r", name}, nil
	case "delgroup":
		return []string{"groupdel", name}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, action)
	}
}


// OpenPTYArgs is the fully-validated openpty payload.
type OpenPTYArgs struct {
	SessionID     string `json:"session_id"`
	URL           string `json:"url"`
	Username      string `json:"username"`
	Groupname     string `json:"groupname"`
	HomeDirectory string `json:"home_directory"`
	Rows          int    `json:"rows"`
	Cols          int    `json:"cols"`
}

type openPTYVerb struct {
	args OpenPTYArgs
	vt   VerbTable
}

func newOpenPTYVerb(data json.RawMessage, vt VerbTable) (Verb, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: openpty requires a data payload", ErrMissingField)
	}
	var a OpenPTYArgs
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: openpty payload: %v", ErrMissingField, err)
	}
	for field, v := range map[string]string{
		"session_id": a.SessionID, "url": a.URL, "username": a.Username,
		"groupname": a.Groupname, "home_directory": a.HomeDirectory,
	} {
		if v == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
	}
	return openPTYVerb{args: a, vt: vt}, nil
}

func (v openPTYVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	if v.vt.SpawnPTY == nil {
		return 1, "pty spawning is not configured"
	}
	go func() {
		if err := v.vt.SpawnPTY(v.args); err != nil {
			log.Errorf("openpty %s: %v", v.args.SessionID, err)
		}
	}()
	return 0, "pty session started"
}

type resizePTYVerb struct {
	sessionID  string
	rows, cols int
	vt         VerbTable
}

func newResizePTYVerb(data json.RawMessage, vt VerbTable) (Verb, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: resizepty requires a data payload", ErrMissingField)
	}
	var payload struct {
		SessionID string `json:"session_id"`
		Rows      int    `json:"rows"`
		Cols      int    `json:"cols"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: resizepty payload: %v", ErrMissingField, err)
	}
	if payload.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id", ErrMissingField)
	}
	return resizePTYVerb{sessionID: payload.SessionID, rows: payload.Rows, cols: payload.Cols, vt: vt}, nil
}

func (v resizePTYVerb) Execute(ctx context.Context, deps Deps) (int, string) {
	if v.vt.ResizePTY == nil {
		return 1, "pty resize is not configured"
	}
	if err := v.vt.ResizePTY(v.sessionID, v.rows, v.cols); err != nil {
		return 1, err.Error()
	}
	return 0, "resized"
}
