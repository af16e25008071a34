// Package ptyreg is the process-wide registry of open PTY sessions, keyed
// by session id, so that a later resizepty request can find the session
// that openpty created (see the openpty/resizepty commands).
//
// It wraps a sync.Map in a small typed API rather than exposing it
// directly.
package ptyreg

import (
	"sync"

	"github.com/alpacax/alpamon-go/internal/alog"
)

var log = alog.New("ptyreg")

// Session is anything a PTY bridge registers: something that can be resized
// and closed. internal/ptyrun implements this.
type Session interface {
	Resize(rows, cols int) error
	Close() error
}

// Registry is a lock-guarded map from session id to live Session.
type Registry struct {
	sessions sync.Map // string -> Session
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Insert registers a session under id, replacing any prior entry.
func (r *Registry) Insert(id string, s Session) {
	r.sessions.Store(id, s)
}

// Get returns the session for id, if any.
func (r *Registry) Get(id string) (Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(Session), true
}

// Remove deletes id from the registry. It is idempotent.
func (r *Registry) Remove(id string) {
	r.sessions.Delete(id)
}

// Resize resizes the session for id, failing if unknown. A session present
// in the registry responds to resizepty with a successful ioctl, and once
// closed the registry no longer contains the id.
func (r *Registry) Resize(id string, rows, cols int) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrUnknownSession
	}
	return s.Resize(rows, cols)
}

// CloseAll closes every registered session, used at supervisor shutdown.
func (r *Registry) CloseAll() {
	r.sessions.Range(func(key, value any) bool {
		value.(Session).Close()
		r.sessions.Delete(key)
		return true
	})
}

// ErrUnknownSession is returned by Resize when the id is not registered.
var ErrUnknownSession = errUnknownSession{}

type errUnknownSession struct{}

func (errUnknownSession) Error() string { return "ptyreg: unknown session id" }
