package ptyreg

import (
	"context"
	"testing"
	"time"
)

type fakePresence struct {
	set map[string]any
	del []string
}

func newFakePresence() *fakePresence { return &fakePresence{set: map[string]any{}} }

func (f *fakePresence) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.set[key] = value
	return nil
}

func (f *fakePresence) Del(ctx context.Context, keys ...string) error {
	f.del = append(f.del, keys...)
	for _, k := range keys {
		delete(f.set, k)
	}
	return nil
}

func TestRedisRegistryPublishesPresenceOnInsert(t *testing.T) {
	p := newFakePresence()
	r := NewRedisRegistry(p, "", 0)

	r.Insert("sess-1", &fakeSession{})

	if _, ok := p.set["alpamon:pty:sess-1"]; !ok {
		t.Fatalf("expected presence marker to be published")
	}
	if _, ok := r.Get("sess-1"); !ok {
		t.Fatalf("expected session to be retrievable locally")
	}
}

func TestRedisRegistryClearsPresenceOnRemove(t *testing.T) {
	p := newFakePresence()
	r := NewRedisRegistry(p, "", 0)

	r.Insert("sess-1", &fakeSession{})
	r.Remove("sess-1")

	if _, ok := p.set["alpamon:pty:sess-1"]; ok {
		t.Fatalf("expected presence marker to be cleared")
	}
	if _, ok := r.Get("sess-1"); ok {
		t.Fatalf("expected session to be gone locally")
	}
}

func TestRedisRegistryWorksWithoutPresence(t *testing.T) {
	r := NewRedisRegistry(nil, "", 0)
	r.Insert("sess-1", &fakeSession{})
	r.Remove("sess-1")
}
