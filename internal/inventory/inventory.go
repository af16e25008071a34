// Package inventory reconciles host facts against the control plane: for
// each tracked key it collects local rows, fetches the remote snapshot,
// three-way diffs them, and emits create/update/delete requests onto the
// outbound queue.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/queue"
	"github.com/alpacax/alpamon-go/internal/transport"
)

const fetchTimeout = 10 * time.Second

var log = alog.New("inventory")

// ErrUnknownKey is returned when Commit/Sync is asked for a key with no
// registered definition.
var ErrUnknownKey = errors.New("inventory: unknown key")

// Row is one record, local or remote, keyed by field name. Values are
// already coerced to their wire type by the time a Row reaches the diff.
type Row map[string]any

// FactOracle abstracts the external fact-query tool so it can be mocked in
// tests: Query runs sql and returns rows decoded from its output format.
type FactOracle interface {
	Query(ctx context.Context, sql string, format string) (int, []Row, error)
}

// KeyDef describes one inventory key: how to collect local rows, how to
// type-coerce them, its primary key field (empty for singleton keys), and
// the URLs used to fetch the remote snapshot and to push changes.
type KeyDef struct {
	Name       string
	SQL        string
	Format     string
	PrimaryKey string // empty => singleton key
	Types      map[string]string
	SyncURL    string
	CollectURL string
	// Collect overrides SQL-based collection for keys with special
	// routines (pypackages, server). If set, SQL/Format are ignored.
	Collect func(ctx context.Context, r *Reconciler) ([]Row, error)
}

// Reconciler drives commit/sync for a fixed set of keys, serializing all
// work under a single mutex so concurrent triggers never interleave.
type Reconciler struct {
	mu       sync.Mutex
	defs     map[string]KeyDef
	oracle   FactOracle
	client   *transport.Client
	q        *queue.Queue
	platform PlatformHint
	version  string
}

// PlatformHint tells the reconciler which OS family it is running on, so
// compareData can apply the Darwin `arch`-stripping quirk.
type PlatformHint interface {
	IsDarwin() bool
}

// New builds a Reconciler over the given key definitions.
func New(defs map[string]KeyDef, oracle FactOracle, client *transport.Client, q *queue.Queue, plat PlatformHint, version string) *Reconciler {
	return &Reconciler{defs: defs, oracle: oracle, client: client, q: q, platform: plat, version: version}
}

func (r *Reconciler) keysOrAll(keys []string) []string {
	if len(keys) > 0 {
		return keys
	}
	out := make([]string, 0, len(r.defs))
	for k := range r.defs {
		out = append(out, k)
	}
	return out
}

// Commit pushes a full snapshot for the given keys (empty means all) as a
// single priority-80 PUT, bypassing the diff entirely.
func (r *Reconciler) Commit(ctx context.Context, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := map[string]any{}
	for _, key := range r.keysOrAll(keys) {
		def, ok := r.defs[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		rows, err := r.collect(ctx, def)
		if err != nil {
			log.Errorf("commit: collecting %s: %v", key, err)
			continue
		}
		snapshot[key] = rows
	}
	snapshot["agent_version"] = r.version

	return r.q.Enqueue(queue.NewEntry(queue.PriorityInventory, http.MethodPut, "/api/servers/servers/-/commit/", snapshot))
}

// Sync differentially reconciles the given keys (empty means all) against
// the control plane, emitting create/update/delete requests per key.
func (r *Reconciler) Sync(ctx context.Context, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range r.keysOrAll(keys) {
		def, ok := r.defs[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		if err := r.syncKey(ctx, def); err != nil {
			log.Errorf("sync: %s: %v", key, err)
		}
	}
	return nil
}

func (r *Reconciler) collect(ctx context.Context, def KeyDef) ([]Row, error) {
	if def.Collect != nil {
		return def.Collect(ctx, r)
	}
	_, rows, err := r.oracle.Query(ctx, def.SQL, def.Format)
	if err != nil {
		return nil, err
	}
	return coerceRows(rows, def.Types), nil
}

func (r *Reconciler) syncKey(ctx context.Context, def KeyDef) error {
	local, err := r.collect(ctx, def)
	if err != nil {
		return fmt.Errorf("collecting local rows: %w", err)
	}

	remote, err := r.fetchRemote(ctx, def)
	if err != nil {
		return fmt.Errorf("fetching remote snapshot: %w", err)
	}
	// Coerce remote rows with the same type table as local rows so
	// primary-key values compare equal regardless of the wire's native
	// JSON numeric type (float64) vs. the coerced local type.
	remote = coerceRows(remote, def.Types)

	darwin := r.platform != nil && r.platform.IsDarwin()
	diff := compareData(def, local, remote, darwin)

	if def.Name == "server" {
		if len(diff.Updates) > 0 {
			return r.q.Enqueue(queue.NewEntry(queue.PriorityInventory, http.MethodPatch, def.CollectURL+"-/sync/", diff.Updates[0].Fields))
		}
		return nil
	}

	if len(diff.Creates) > 0 {
		body := any(diff.Creates)
		if def.PrimaryKey == "" && len(diff.Creates) == 1 {
			// Singleton creates still post a one-element list, matching
			// the multi-row POST contract on the wire.
			body = diff.Creates
		}
		if err := r.q.Enqueue(queue.NewEntry(queue.PriorityInventory, http.MethodPost, def.CollectURL, body)); err != nil {
			return err
		}
	}
	for _, u := range diff.Updates {
		path := fmt.Sprintf("%s%v/", def.CollectURL, u.RemoteID)
		if err := r.q.Enqueue(queue.NewEntry(queue.PriorityInventory, http.MethodPatch, path, u.Fields)); err != nil {
			return err
		}
	}
	for _, d := range diff.Deletes {
		path := fmt.Sprintf("%s%v/", def.CollectURL, d)
		if err := r.q.Enqueue(queue.NewEntry(queue.PriorityInventory, http.MethodDelete, path, nil)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) fetchRemote(ctx context.Context, def KeyDef) ([]Row, error) {
	resp, err := r.client.Get(ctx, def.SyncURL, fetchTimeout)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, def.SyncURL)
	}
	var rows []Row
	if err := json.Unmarshal(resp.Body, &rows); err != nil {
		// Singleton keys return a single object, not a list.
		var one Row
		if err2 := json.Unmarshal(resp.Body, &one); err2 != nil {
			return nil, err
		}
		if len(one) == 0 {
			return nil, nil
		}
		return []Row{one}, nil
	}
	return rows, nil
}

func coerceRows(rows []Row, types map[string]string) []Row {
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = coerceRow(row, types)
	}
	return out
}

func coerceRow(row Row, types map[string]string) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = coerceValue(v, types[k])
	}
	return out
}

func coerceValue(v any, kind string) any {
	switch kind {
	case "uuid":
		if s, ok := v.(string); ok {
			if parsed, err := uuid.Parse(s); err == nil {
				return parsed.String()
			}
		}
		return v
	case "int":
		switch n := v.(type) {
		case float64:
			return int(n)
		case string:
			var i int
			if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
				return i
			}
		}
		return v
	case "float":
		switch n := v.(type) {
		case string:
			var f float64
			if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
				return f
			}
		}
		return v
	default:
		return v
	}
}
