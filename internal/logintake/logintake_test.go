package logintake

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alpacax/alpamon-go/internal/queue"
)

func writeFrame(t *testing.T, conn net.Conn, rec Record) {
	t.Helper()
	payload, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := binary.Write(conn, binary.BigEndian, uint32(len(payload))); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func TestServerIngestsFramedRecords(t *testing.T) {
	q := queue.New(10)
	srv := New(q, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := srv.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ctx, "")

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		writeFrame(t, conn, Record{Msg: "hello", LevelNo: 20, Name: "alpamon"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for q.Len() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if q.Len() != 3 {
		t.Fatalf("expected 3 queued log posts, got %d", q.Len())
	}
	if len(srv.Recent()) != 3 {
		t.Fatalf("expected 3 recent records, got %d", len(srv.Recent()))
	}
}

func TestServerRecentIsBounded(t *testing.T) {
	q := queue.New(1000)
	srv := New(q, 2)
	for i := 0; i < 5; i++ {
		srv.ingest(Record{Msg: "x"})
	}
	if len(srv.Recent()) != 2 {
		t.Fatalf("expected recent buffer capped at 2, got %d", len(srv.Recent()))
	}
}

func TestDebugRouterServesTail(t *testing.T) {
	q := queue.New(10)
	srv := New(q, 10)
	srv.ingest(Record{Msg: "hi"})

	router := srv.DebugRouter()
	req := httptest.NewRequest("GET", "/debug/tail", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
