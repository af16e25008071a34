// Package reporter implements the fixed worker pool that drains
// the priority queue and performs the outbound HTTP delivery, applying
// retry/backoff/expiry and exponentially-smoothed latency accounting.
//
// The drain loop is grounded on internal/ratelimiter/core
// Worker, which runs its commit/eviction passes on a ticker inside a
// goroutine tracked by a sync.WaitGroup (internal/ratelimiter/core/worker.go).
// Here the loop blocks on queue.Dequeue instead of ticking, since delivery
// is driven by queue contents rather than a fixed schedule.
package reporter

import (
	"context"
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"

	"github.com/alpacax/alpamon-go/internal/alog"
	"github.com/alpacax/alpamon-go/internal/queue"
	"github.com/alpacax/alpamon-go/internal/transport"
)

var log = alog.New("reporter")

const requestTimeout = 5 * time.Second

// Counters mirrors the Python agent's per-reporter stats surfaced by the
// `debug` internal command.
type Counters struct {
	Success int64
	Failure int64
	Ignored int64
	Delay   float64
	Latency float64
}

// Worker drains its own private inbox queue, applying the retry/backoff/
// expiry discipline described below.
type Worker struct {
	name   string
	queue  *queue.Queue
	client *transport.Client

	mu       sync.Mutex
	counters Counters
}

func newWorker(name string, q *queue.Queue, c *transport.Client) *Worker {
	return &Worker{name: name, queue: q, client: c}
}

// Counters returns a snapshot of this worker's counters.
func (w *Worker) Counters() Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters
}

func (w *Worker) countIgnored() {
	w.mu.Lock()
	w.counters.Ignored++
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context) {
	for {
		entry, err := w.queue.Dequeue()
		if err != nil {
			return // queue closed
		}

		now := time.Now()
		if entry.Expired(now) {
			w.countIgnored()
			continue
		}

		if entry.Due.After(now) {
			w.queue.Requeue(entry)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.attempt(ctx, entry)
	}
}

func (w *Worker) attempt(ctx context.Context, entry *queue.Entry) {
	start := time.Now()
	resp, err := w.client.Do(ctx, entry.Method, entry.Path, entry.Body, requestTimeout)
	end := time.Now()

	w.mu.Lock()
	w.counters.Delay = w.counters.Delay*0.9 + end.Sub(entry.Due).Seconds()*0.1
	w.counters.Latency = w.counters.Latency*0.9 + end.Sub(start).Seconds()*0.1
	w.mu.Unlock()

	success := false
	switch {
	case err != nil:
		log.Debugf("%s %s failed: %v", entry.Method, entry.Path, err)
	case resp.StatusCode/100 == 2:
		success = true
	case resp.StatusCode == 400:
		log.Errorf("400 Bad Request on %s %s: %s", entry.Method, entry.Path, resp.Body)
	default:
		log.Debugf("%d on %s %s: %s", resp.StatusCode, entry.Method, entry.Path, resp.Body)
	}

	if success {
		w.mu.Lock()
		w.counters.Success++
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	w.counters.Failure++
	w.mu.Unlock()

	if entry.Retries > 0 {
		backoff := 1 << (queue.RetryLimit - entry.Retries) // 1,2,4,8,16 seconds
		entry.Due = time.Now().Add(time.Duration(backoff) * time.Second)
		entry.Retries--
		w.queue.Requeue(entry)
	} else {
		w.countIgnored()
	}
}

// workerInboxCapacity bounds each worker's private inbox. Sized like the
// shared intake queue since a pathological rendezvous distribution could
// route all of it to a single worker.
const workerInboxCapacity = 36000

// Pool is the fixed set of reporter workers draining a shared intake queue
// through a rendezvous-hashed router, each into its own private inbox.
type Pool struct {
	intake  *queue.Queue
	workers []*Worker
	ring    *rendezvous.Table
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewPool builds a pool of n workers that drain q (the producer-facing
// intake queue shared by backhaul/dispatch/logintake/inventory) through a
// router that assigns each entry to a worker by rendezvous-hashing its
// path, so repeated requests to the same path always land on the same
// worker and are delivered in order.
func NewPool(n int, q *queue.Queue, client *transport.Client) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{intake: q}
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = workerName(i)
		p.workers = append(p.workers, newWorker(names[i], queue.New(workerInboxCapacity), client))
	}
	// Rendezvous hashing lets WorkerFor deterministically map a target path
	// to the same worker across calls, preserving per-endpoint ordering
	// without a global lock.
	p.ring = rendezvous.New(names, hashString)
	return p
}

func workerName(i int) string {
	return "reporter-" + string(rune('0'+i))
}

func hashString(s string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// WorkerFor returns the worker rendezvous-assigned to path, for callers
// that want per-endpoint ordering guarantees without waiting on the pool.
func (p *Pool) WorkerFor(path string) *Worker {
	name := p.ring.Get(path)
	for _, w := range p.workers {
		if w.name == name {
			return w
		}
	}
	return p.workers[0]
}

// route drains the shared intake queue and forwards each entry into the
// rendezvous-assigned worker's private inbox, until the intake queue is
// closed. It then closes every worker's inbox in turn, which is what
// ultimately lets Stop's wait return.
func (p *Pool) route() {
	for {
		entry, err := p.intake.Dequeue()
		if err != nil {
			for _, w := range p.workers {
				w.queue.Close()
			}
			return
		}
		w := p.WorkerFor(entry.Path)
		if err := w.queue.Enqueue(entry); err != nil {
			log.Debugf("reporter: dropping %s %s, %s inbox unavailable: %v", entry.Method, entry.Path, w.name, err)
			w.countIgnored()
		}
	}
}

// Start launches the router and every worker's drain loop.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.route()
	}()

	for _, w := range p.workers {
		w := w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
}

// Stop cancels every worker's drain loop, closes the intake queue so the
// router and any worker blocked waiting on its own inbox unblock, and waits
// for all of them to exit.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.intake.Close()
	p.wg.Wait()
}

// Stats returns every worker's counters, consumed by the `debug` internal
// command.
func (p *Pool) Stats() []Counters {
	out := make([]Counters, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Counters()
	}
	return out
}
