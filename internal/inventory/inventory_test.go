package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alpacax/alpamon-go/internal/config"
	"github.com/alpacax/alpamon-go/internal/queue"
	"github.com/alpacax/alpamon-go/internal/transport"
)

type fakeOracle struct {
	rows []Row
	err  error
}

func (f *fakeOracle) Query(ctx context.Context, sql, format string) (int, []Row, error) {
	if f.err != nil {
		return -1, nil, f.err
	}
	return 0, f.rows, nil
}

type notDarwin struct{}

func (notDarwin) IsDarwin() bool { return false }

func TestSyncUsersCreateAndDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/proc/users/-/sync/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Row{
			{"id": "X", "uid": float64(1000)},
			{"id": "Y", "uid": float64(1002)},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	q := queue.New(10)
	client := transport.New(&config.Settings{ServerURL: srv.URL, ID: "a", Key: "b"}, 1)
	oracle := &fakeOracle{rows: []Row{{"uid": float64(1000)}, {"uid": float64(1001)}}}

	defs := map[string]KeyDef{
		"users": {
			Name:       "users",
			PrimaryKey: "uid",
			SyncURL:    "/api/proc/users/-/sync/",
			CollectURL: "/api/proc/users/",
			Types:      map[string]string{"uid": "int"},
		},
	}

	r := New(defs, oracle, client, q, notDarwin{}, "1.0.0")
	if err := r.Sync(context.Background(), []string{"users"}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if q.Len() != 2 {
		t.Fatalf("expected 2 queued operations (create + delete), got %d", q.Len())
	}
}

func TestCommitUnknownKey(t *testing.T) {
	q := queue.New(10)
	client := transport.New(&config.Settings{ServerURL: "http://example.invalid", ID: "a", Key: "b"}, 1)
	r := New(map[string]KeyDef{}, &fakeOracle{}, client, q, notDarwin{}, "1.0.0")

	if err := r.Commit(context.Background(), []string{"bogus"}); err == nil {
		t.Fatalf("expected ErrUnknownKey")
	}
}

func TestCoerceValueUUID(t *testing.T) {
	v := coerceValue("550e8400-e29b-41d4-a716-446655440000", "uuid")
	if v != "550e8400-e29b-41d4-a716-446655440000" {
		t.Fatalf("unexpected coerced uuid: %v", v)
	}
}

func TestCoerceValueInt(t *testing.T) {
	v := coerceValue(float64(42), "int")
	if v != 42 {
		t.Fatalf("expected int 42, got %v (%T)", v, v)
	}
}
