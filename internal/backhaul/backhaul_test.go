package backhaul

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDispatchCommitCallsHandler(t *testing.T) {
	var gotCommissioned bool
	var gotKeys []string
	c := &Client{}
	commissioned := true
	keysJSON, _ := json.Marshal([]string{"packages"})
	f := Frame{Query: "commit", Commissioned: &commissioned, Data: keysJSON}

	c.dispatch(f, Handlers{
		OnCommit: func(commissionedArg bool, keys []string) {
			gotCommissioned = commissionedArg
			gotKeys = keys
		},
	})

	if !gotCommissioned {
		t.Fatalf("expected commissioned=true")
	}
	if len(gotKeys) != 1 || gotKeys[0] != "packages" {
		t.Fatalf("unexpected keys: %v", gotKeys)
	}
}

func TestDispatchCommandCallsHandler(t *testing.T) {
	var got CommandRecord
	c := &Client{}
	f := Frame{Query: "command", Command: &CommandRecord{ID: "abc-1", Shell: "internal", Line: "ping"}}

	c.dispatch(f, Handlers{OnCommand: func(cmd CommandRecord) { got = cmd }})

	if got.ID != "abc-1" || got.Line != "ping" {
		t.Fatalf("unexpected command record: %+v", got)
	}
}

func TestDispatchCommandWithNilRecordIsNoop(t *testing.T) {
	called := false
	c := &Client{}
	c.dispatch(Frame{Query: "command"}, Handlers{OnCommand: func(CommandRecord) { called = true }})
	if called {
		t.Fatalf("OnCommand must not fire when the command record is missing")
	}
}

func TestDispatchQuitAndReconnect(t *testing.T) {
	c := &Client{}
	quitCalled, reconnectCalled := false, false

	c.dispatch(Frame{Query: "quit"}, Handlers{OnQuit: func() { quitCalled = true }})
	c.dispatch(Frame{Query: "reconnect"}, Handlers{OnReconnect: func() { reconnectCalled = true }})

	if !quitCalled || !reconnectCalled {
		t.Fatalf("expected both quit and reconnect handlers invoked")
	}
}

func TestDispatchUnknownQueryIsIgnored(t *testing.T) {
	c := &Client{}
	c.dispatch(Frame{Query: "something-else"}, Handlers{})
}

func TestRunEmitsHelloOnEveryValidFrame(t *testing.T) {
	replies := make(chan []byte, 4)
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Two valid frames and one malformed one: only the valid ones
		// should be answered.
		conn.WriteJSON(map[string]string{"query": "reconnect"})
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(map[string]string{"query": "something-else"})
		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			replies <- msg
		}
	})
	srv2 := httptest.NewServer(mux)
	defer srv2.Close()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.Dial(wsURL(srv2), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	client := &Client{conn: conn}
	n, _ := client.Run(context.Background(), Handlers{})
	if n != 2 {
		t.Fatalf("expected 2 processed frames, got %d", n)
	}

	for i := 0; i < 2; i++ {
		select {
		case msg := <-replies:
			var frame map[string]string
			if err := json.Unmarshal(msg, &frame); err != nil || frame["query"] != "hello" {
				t.Fatalf("expected hello frame, got %s", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for hello frame %d", i+1)
		}
	}
}

func TestClientRunRespondsWithHello(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn = c
		c.WriteJSON(map[string]string{"query": "reconnect"})
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dialer := websocket.Dialer{}
	clientConn, _, err := dialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	client := &Client{conn: clientConn}
	reconnectFired := make(chan struct{}, 1)

	done := make(chan struct {
		n   int
		err error
	}, 1)
	go func() {
		n, err := client.Run(context.Background(), Handlers{
			OnReconnect: func() {
				select {
				case reconnectFired <- struct{}{}:
				default:
				}
				clientConn.Close()
			},
		})
		done <- struct {
			n   int
			err error
		}{n, err}
	}()

	select {
	case <-reconnectFired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for reconnect handler")
	}

	select {
	case r := <-done:
		if r.n < 1 {
			t.Fatalf("expected at least 1 processed frame, got %d", r.n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after connection close")
	}
	_ = serverConn
}
