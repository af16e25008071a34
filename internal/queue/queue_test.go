package queue

import (
	"testing"
	"time"
)

func TestDequeueOrdersByPriorityThenDue(t *testing.T) {
	q := New(10)
	now := time.Now()

	low := &Entry{Priority: 90, Due: now, Path: "/low"}
	high := &Entry{Priority: 10, Due: now.Add(time.Second), Path: "/high"}
	mid := &Entry{Priority: 10, Due: now, Path: "/mid"}

	for _, e := range []*Entry{low, high, mid} {
		if err := q.Enqueue(e); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	first, _ := q.Dequeue()
	if first.Path != "/mid" {
		t.Fatalf("expected /mid first, got %s", first.Path)
	}
	second, _ := q.Dequeue()
	if second.Path != "/high" {
		t.Fatalf("expected /high second, got %s", second.Path)
	}
	third, _ := q.Dequeue()
	if third.Path != "/low" {
		t.Fatalf("expected /low third, got %s", third.Path)
	}
}

func TestEnqueueFailsClosedWhenFull(t *testing.T) {
	q := New(2)
	if err := q.Enqueue(NewEntry(10, "POST", "/a", nil)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(NewEntry(10, "POST", "/b", nil)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(NewEntry(10, "POST", "/c", nil)); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if q.Ignored() != 1 {
		t.Fatalf("expected ignored=1, got %d", q.Ignored())
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(10)
	done := make(chan *Entry, 1)
	go func() {
		e, err := q.Dequeue()
		if err != nil {
			t.Error(err)
			return
		}
		done <- e
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("dequeue returned before any entry was enqueued")
	default:
	}

	if err := q.Enqueue(NewEntry(10, "POST", "/x", nil)); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-done:
		if e.Path != "/x" {
			t.Fatalf("unexpected entry: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dequeue")
	}
}

func TestCloseUnblocksDequeue(t *testing.T) {
	q := New(10)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue()
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close to unblock dequeue")
	}
}

func TestNotDueEntryStillSortsByPriority(t *testing.T) {
	q := New(10)
	now := time.Now()
	future := &Entry{Priority: 10, Due: now.Add(time.Hour), Path: "/future"}
	due := &Entry{Priority: 20, Due: now, Path: "/due"}

	q.Enqueue(future)
	q.Enqueue(due)

	// The queue itself doesn't filter by due-time; it's the consumer's job
	// (reporter.Pool) to re-enqueue not-yet-due entries. At the queue level
	// we only assert the priority ordering contract: /future still sorts
	// first because it has the lower priority number.
	first, _ := q.Dequeue()
	if first.Path != "/future" {
		t.Fatalf("expected /future first by priority, got %s", first.Path)
	}
}
