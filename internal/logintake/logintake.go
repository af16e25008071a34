// Package logintake runs the local log fan-in server: a length-prefixed
// JSON stream on localhost that other co-resident processes write framed
// records to, and which forwards each one onto the outbound queue as a
// priority-90 POST. The agent's own log records do not pass through the
// socket: internal/supervisor's alog hook enqueues them directly, using
// PostBody for the same wire shape.
package logintake

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/queue"
)

var log = alog.New("logintake")

// DefaultPort mirrors Python's logging.handlers.DEFAULT_TCP_LOGGING_PORT.
const DefaultPort = 9020

// Record is the wire shape of one forwarded log line.
type Record struct {
	Created   float64 `json:"created"`
	LevelNo   int     `json:"levelno"`
	Name      string  `json:"name"`
	Pathname  string  `json:"pathname"`
	Lineno    int     `json:"lineno"`
	Process   int     `json:"process"`
	Thread    int64   `json:"thread"`
	ProcessNm string  `json:"processName"`
	ThreadNm  string  `json:"threadName"`
	Msg       string  `json:"msg"`
	Program   string  `json:"program"`
}

// wireRecord is the shape posted to /api/history/logs/.
type wireRecord struct {
	Date    float64 `json:"date"`
	Level   int     `json:"level"`
	Program string  `json:"program"`
	Name    string  `json:"name"`
	Path    string  `json:"path"`
	Lineno  int     `json:"lineno"`
	PID     int     `json:"pid"`
	TID     int64   `json:"tid"`
	Process string  `json:"process"`
	Thread  string  `json:"thread"`
	Msg     string  `json:"msg"`
}

// PostBody converts a Record into the shape posted to /api/history/logs/,
// exported so internal/supervisor can forward the agent's own log records
// through the same wire format without duplicating the field mapping.
func PostBody(r Record) any { return toWire(r) }

func toWire(r Record) wireRecord {
	return wireRecord{
		Date: r.Created, Level: r.LevelNo, Program: r.Program, Name: r.Name,
		Path: r.Pathname, Lineno: r.Lineno, PID: r.Process, TID: r.Thread,
		Process: r.ProcessNm, Thread: r.ThreadNm, Msg: r.Msg,
	}
}

// Server accepts concurrent connections and enqueues each record it
// receives. It also keeps a small ring buffer of the most recent records
// for the debug HTTP endpoint.
type Server struct {
	q       *queue.Queue
	ln      net.Listener
	mu      sync.Mutex
	recent  []Record
	recentN int
}

// New creates an unbound Server that keeps the last recentN records
// (default 100). It binds nothing until Listen or Serve is called.
func New(q *queue.Queue, recentN int) *Server {
	if recentN <= 0 {
		recentN = 100
	}
	return &Server{q: q, recentN: recentN}
}

// Listen binds addr (e.g. "127.0.0.1:9020") without yet accepting
// connections, so callers can learn the bound address (useful in tests
// that bind to ":0") before starting the accept loop.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("logintake: listen %s: %w", addr, err)
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Serve accepts connections on the listener until ctx is cancelled or
// Close is called; either unblocks the Accept loop. If Listen has not been
// called, Serve binds addr itself; otherwise addr is ignored.
func (s *Server) Serve(ctx context.Context, addr string) error {
	if s.ln == nil {
		if _, err := s.Listen(addr); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		var length uint32
		if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
			if err != io.EOF {
				log.Debugf("logintake: connection read error: %v", err)
			}
			return
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(conn, payload); err != nil {
			log.Errorf("logintake: short read on framed payload: %v", err)
			return
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			log.Errorf("logintake: malformed record: %v", err)
			continue
		}
		s.ingest(rec)
	}
}

func (s *Server) ingest(rec Record) {
	s.mu.Lock()
	s.recent = append(s.recent, rec)
	if len(s.recent) > s.recentN {
		s.recent = s.recent[len(s.recent)-s.recentN:]
	}
	s.mu.Unlock()

	entry := queue.NewEntry(queue.PriorityLogs, http.MethodPost, "/api/history/logs/", toWire(rec))
	if err := s.q.Enqueue(entry); err != nil {
		log.Debugf("logintake: dropping record, queue full: %v", err)
	}
}

// Recent returns a snapshot of the most recently ingested records, newest
// last, for the debug HTTP endpoint.
func (s *Server) Recent() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.recent))
	copy(out, s.recent)
	return out
}
