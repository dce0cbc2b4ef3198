// Package worker implements the background task loop (spec §4.10, C10):
// a single cooperative goroutine draining a thread-safe queue of index
// persistence, embedding generation, and replication-dispatch tasks.
// Grounded on the teacher's internal/compact.Compactor worker-pool shape
// (internal/compact/compactor.go's workCh/resultCh + sync.WaitGroup
// fan-out), generalized from a bounded issue-compaction pool to one
// long-lived cooperative loop and rebuilt on golang.org/x/sync/errgroup
// for lifecycle management instead of a bare WaitGroup.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/p8db/p8core/internal/embed"
	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/vecindex"
	"github.com/p8db/p8core/internal/wal"
)

// TaskType is the closed set of work items the worker accepts (spec §4.10).
type TaskType string

const (
	TaskSaveIndex         TaskType = "SAVE_INDEX"
	TaskGenerateEmbedding TaskType = "GENERATE_EMBEDDING"
	TaskReplicate         TaskType = "REPLICATE"
)

// Status is the worker's observable lifecycle state (spec §4.10).
type Status string

const (
	StatusIdle    Status = "Idle"
	StatusBusy    Status = "Busy"
	StatusStopped Status = "Stopped"
	StatusError   Status = "Error"
)

// SaveIndexPayload persists schemaName's ANN snapshot for tenant.
type SaveIndexPayload struct {
	Tenant, Schema string
}

// GenerateEmbeddingPayload computes an embedding for Text and writes it
// back onto entity ID, then syncs the per-schema vector index.
type GenerateEmbeddingPayload struct {
	Tenant, Schema, ID, Text string
}

// ReplicatePayload asks the configured Replicator to ship entry to Peer.
type ReplicatePayload struct {
	Peer  string
	Entry wal.Entry
}

// Task is one unit of work, with an optional callback invoked with the
// task's outcome once it has run (spec §4.10: "Task { type, payload,
// callback }").
type Task struct {
	Type     TaskType
	Payload  any
	Callback func(err error)
}

// Replicator ships a single WAL entry to a peer. Satisfied by
// internal/db's DB (its Send method); kept as an interface here so the
// worker never imports the db or replication packages.
type Replicator interface {
	Send(ctx context.Context, peer string, entry wal.Entry) error
}

var errStopped = errors.New("worker: stopped, task rejected")

// Worker drains Task values one at a time on a single goroutine. All
// exported methods are safe for concurrent use.
type Worker struct {
	vecs       *vecindex.Manager
	entities   *entity.Store
	embedder   embed.Provider
	replicator Replicator
	logger     *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu            sync.Mutex
	cond          *sync.Cond
	queue         []Task
	pending       int
	status        Status
	stopRequested bool
	stopped       bool
}

// New starts the worker loop and returns immediately. logPath, when
// non-empty, rotates the worker's log through lumberjack (SPEC_FULL.md
// §0); empty routes to stderr.
func New(ctx context.Context, vecs *vecindex.Manager, entities *entity.Store, embedder embed.Provider, replicator Replicator, logPath string) *Worker {
	wctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(wctx)

	w := &Worker{
		vecs:       vecs,
		entities:   entities,
		embedder:   embedder,
		replicator: replicator,
		logger:     newLogger(logPath),
		ctx:        gctx,
		cancel:     cancel,
		group:      g,
		status:     StatusIdle,
	}
	w.cond = sync.NewCond(&w.mu)
	g.Go(w.loop)
	return w
}

func newLogger(logPath string) *log.Logger {
	var out io.Writer = os.Stderr
	if logPath != "" {
		out = &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    50,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
	}
	return log.New(out, "p8worker: ", log.LstdFlags)
}

// Enqueue appends t to the queue. It returns errStopped once Stop has
// been called; the caller's callback (if any) is not invoked in that
// case since the task never ran.
//
// SAVE_INDEX tasks coalesce: a queued-but-not-yet-running SAVE_INDEX for
// the same (tenant, schema) already guarantees the same on-disk result,
// so a second one for that pair is dropped rather than queued (spec §5:
// "bound it in memory-constrained deployments and drop SAVE_INDEX tasks
// in favor of the newest (coalescing) rather than blocking writers").
func (w *Worker) Enqueue(t Task) error {
	w.mu.Lock()
	if w.stopRequested {
		w.mu.Unlock()
		return errStopped
	}
	if p, ok := t.Payload.(SaveIndexPayload); ok && t.Type == TaskSaveIndex {
		for _, queued := range w.queue {
			if q, ok := queued.Payload.(SaveIndexPayload); ok && queued.Type == TaskSaveIndex && q == p {
				w.mu.Unlock()
				return nil
			}
		}
	}
	w.queue = append(w.queue, t)
	w.pending++
	w.status = StatusBusy
	w.mu.Unlock()
	w.cond.Broadcast()
	return nil
}

// Status reports the worker's current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// WaitIdle blocks until the queue drains (no task in flight or queued)
// or timeout elapses, returning whether it drained in time (spec §4.10:
// "wait_idle(timeout) blocks until queue drains or timeout").
func (w *Worker) WaitIdle(timeout time.Duration) bool {
	return w.waitFor(func() bool { return w.pending == 0 }, timeout)
}

// Stop requests shutdown. It waits up to timeout for the queue to
// drain; anything still queued at expiry is abandoned (spec §4.10 and
// §5: "Worker shutdown honors a timeout and abandons the tail of the
// queue on expiry"). On expiry Stop also cancels the worker's context
// and returns without waiting for a task still executing, if any.
func (w *Worker) Stop(timeout time.Duration) {
	w.mu.Lock()
	if w.stopRequested {
		w.mu.Unlock()
		return
	}
	w.stopRequested = true
	w.mu.Unlock()
	w.cond.Broadcast()

	timedOut := !w.waitFor(func() bool { return w.stopped }, timeout)
	if timedOut {
		w.mu.Lock()
		dropped := len(w.queue)
		w.queue = nil
		w.pending -= dropped // a task still in flight, if any, keeps its own pending slot
		w.mu.Unlock()
		if dropped > 0 {
			w.logger.Printf("shutdown timeout: abandoning %d queued task(s)", dropped)
		}
		w.cond.Broadcast()
	}

	w.cancel()
	if !timedOut {
		_ = w.group.Wait()
	}
}

// waitFor blocks until predicate holds or timeout elapses, returning
// whether predicate held. Must not be called while holding w.mu.
func (w *Worker) waitFor(predicate func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, w.cond.Broadcast)
	defer timer.Stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for !predicate() {
		if time.Now().After(deadline) {
			return false
		}
		w.cond.Wait()
	}
	return true
}

// loop is the single cooperative worker goroutine (spec §4.10:
// "Single-threaded cooperative loop"). It always returns nil: a failed
// task logs and moves on rather than terminating the worker (spec
// §4.10: "Task errors do not terminate the worker").
func (w *Worker) loop() error {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopRequested {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.stopped = true
			w.status = StatusStopped
			w.mu.Unlock()
			w.cond.Broadcast()
			return nil
		}
		t := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		err := w.execute(t)
		if err != nil {
			w.logger.Printf("task %s failed: %v", t.Type, err)
		}

		w.mu.Lock()
		w.pending--
		switch {
		case err != nil:
			w.status = StatusError
		case w.pending == 0 && !w.stopRequested:
			w.status = StatusIdle
		case w.pending > 0:
			w.status = StatusBusy
		}
		w.mu.Unlock()
		w.cond.Broadcast()

		if t.Callback != nil {
			t.Callback(err)
		}
	}
}

func (w *Worker) execute(t Task) error {
	switch t.Type {
	case TaskSaveIndex:
		p, ok := t.Payload.(SaveIndexPayload)
		if !ok {
			return fmt.Errorf("worker: malformed %s payload", TaskSaveIndex)
		}
		return w.vecs.Save(p.Tenant, p.Schema)

	case TaskGenerateEmbedding:
		p, ok := t.Payload.(GenerateEmbeddingPayload)
		if !ok {
			return fmt.Errorf("worker: malformed %s payload", TaskGenerateEmbedding)
		}
		if w.embedder == nil {
			return fmt.Errorf("worker: no embedding provider configured")
		}
		vec, err := w.embedder.Embed(w.ctx, p.Text)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		if err := w.entities.SetEmbedding(w.ctx, p.Tenant, p.ID, vec, w.embedder.Dim()); err != nil {
			return fmt.Errorf("set embedding: %w", err)
		}
		return w.vecs.Sync(w.ctx, p.Tenant, p.Schema, p.ID, vec)

	case TaskReplicate:
		p, ok := t.Payload.(ReplicatePayload)
		if !ok {
			return fmt.Errorf("worker: malformed %s payload", TaskReplicate)
		}
		if w.replicator == nil {
			return fmt.Errorf("worker: no replicator configured")
		}
		return w.replicator.Send(w.ctx, p.Peer, p.Entry)

	default:
		return fmt.Errorf("worker: unknown task type %q", t.Type)
	}
}
