package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alpacax/alpamon-go/internal/config"
)

func TestDoSetsAuthHeaderAndResolvesRelativePath(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := &config.Settings{ServerURL: srv.URL, ID: "abc", Key: "secret"}
	c := New(s, 4)

	resp, err := c.Do(context.Background(), http.MethodGet, "/api/ping/", nil, time.Second)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotAuth != `id="abc", key="secret"` {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/api/ping/" {
		t.Fatalf("path = %q", gotPath)
	}
}

func TestDoPassesThroughAbsoluteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := &config.Settings{ServerURL: "http://unused.invalid", ID: "a", Key: "b"}
	c := New(s, 1)

	resp, err := c.Do(context.Background(), http.MethodGet, srv.URL+"/x", nil, time.Second)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
