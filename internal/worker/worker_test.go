package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/p8db/p8core/internal/embed"
	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/index"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/schema"
	"github.com/p8db/p8core/internal/vecindex"
	"github.com/p8db/p8core/internal/wal"
)

const testTenant = "acme"

func setup(t *testing.T) (*Worker, *entity.Store, *vecindex.Manager) {
	t.Helper()
	store, err := kv.Open(":memory:")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := schema.NewRegistry(store)
	ctx := context.Background()
	if err := reg.Bootstrap(ctx, testTenant); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if _, err := reg.Register(ctx, testTenant, schema.Doc{
		Name:       "doc",
		Properties: map[string]*schema.Field{"title": {Type: schema.TypeString}},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entities := entity.New(store, reg, index.New(store), wal.New(store))
	vecs := vecindex.New(store, entities, t.TempDir())
	embedder := embed.NewHashProvider(8)

	w := New(ctx, vecs, entities, embedder, nil, "")
	t.Cleanup(func() { w.Stop(time.Second) })
	return w, entities, vecs
}

func TestWorkerStartsIdle(t *testing.T) {
	w, _, _ := setup(t)
	if got := w.Status(); got != StatusIdle {
		t.Fatalf("expected StatusIdle at start, got %s", got)
	}
}

func TestGenerateEmbeddingWritesBackAndSyncs(t *testing.T) {
	w, entities, vecs := setup(t)
	ctx := context.Background()

	id, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"title": "hello"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	done := make(chan error, 1)
	if err := w.Enqueue(Task{
		Type:    TaskGenerateEmbedding,
		Payload: GenerateEmbeddingPayload{Tenant: testTenant, Schema: "doc", ID: id, Text: "hello world"},
		Callback: func(err error) {
			done <- err
		},
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("task failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task callback")
	}

	e, err := entities.Get(ctx, testTenant, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := e.Properties["embedding"]; !ok {
		t.Fatal("expected embedding property to be set")
	}

	matches, err := vecs.Knn(ctx, testTenant, "doc", mustEmbed(t, "hello world"), 5, 0, 0)
	if err != nil {
		t.Fatalf("Knn: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != id {
		t.Fatalf("expected %s as sole knn match, got %+v", id, matches)
	}
}

func mustEmbed(t *testing.T, text string) []float32 {
	t.Helper()
	vec, err := embed.NewHashProvider(8).Embed(context.Background(), text)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	return vec
}

func TestSaveIndexTaskRuns(t *testing.T) {
	w, entities, _ := setup(t)
	ctx := context.Background()

	id, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"title": "hello"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	vec, err := embed.NewHashProvider(8).Embed(ctx, "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if err := entities.SetEmbedding(ctx, testTenant, id, vec, 0); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	done := make(chan error, 1)
	if err := w.Enqueue(Task{
		Type:     TaskSaveIndex,
		Payload:  SaveIndexPayload{Tenant: testTenant, Schema: "doc"},
		Callback: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("save_index task failed: %v", err)
	}
}

func TestMalformedPayloadLogsErrorAndContinues(t *testing.T) {
	w, entities, _ := setup(t)
	ctx := context.Background()
	id, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	bad := make(chan error, 1)
	if err := w.Enqueue(Task{
		Type:     TaskGenerateEmbedding,
		Payload:  "not-a-payload",
		Callback: func(err error) { bad <- err },
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := <-bad; err == nil {
		t.Fatal("expected malformed payload error")
	}

	good := make(chan error, 1)
	if err := w.Enqueue(Task{
		Type:     TaskGenerateEmbedding,
		Payload:  GenerateEmbeddingPayload{Tenant: testTenant, Schema: "doc", ID: id, Text: "x"},
		Callback: func(err error) { good <- err },
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := <-good; err != nil {
		t.Fatalf("worker did not recover after a failed task: %v", err)
	}
}

func TestReplicateTaskUsesConfiguredReplicator(t *testing.T) {
	store, err := kv.Open(":memory:")
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	defer store.Close()
	reg := schema.NewRegistry(store)
	ctx := context.Background()
	if err := reg.Bootstrap(ctx, testTenant); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	entities := entity.New(store, reg, index.New(store), wal.New(store))
	vecs := vecindex.New(store, entities, t.TempDir())

	var mu sync.Mutex
	var sent []string
	fake := replicatorFunc(func(_ context.Context, peer string, entry wal.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, peer)
		_ = entry
		return nil
	})

	w := New(ctx, vecs, entities, nil, fake, "")
	defer w.Stop(time.Second)

	done := make(chan error, 1)
	if err := w.Enqueue(Task{
		Type:     TaskReplicate,
		Payload:  ReplicatePayload{Peer: "peer-1", Entry: wal.Entry{Seq: 1, Tenant: testTenant}},
		Callback: func(err error) { done <- err },
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("replicate task failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sent) != 1 || sent[0] != "peer-1" {
		t.Fatalf("expected one send to peer-1, got %+v", sent)
	}
}

type replicatorFunc func(ctx context.Context, peer string, entry wal.Entry) error

func (f replicatorFunc) Send(ctx context.Context, peer string, entry wal.Entry) error {
	return f(ctx, peer, entry)
}

func TestWaitIdleReturnsFalseOnTimeoutThenTrueAfterDrain(t *testing.T) {
	w, _, _ := setup(t)

	release := make(chan struct{})
	w.replicator = replicatorFunc(func(context.Context, string, wal.Entry) error {
		<-release
		return nil
	})

	if err := w.Enqueue(Task{Type: TaskReplicate, Payload: ReplicatePayload{Peer: "p", Entry: wal.Entry{}}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if w.WaitIdle(50 * time.Millisecond) {
		t.Fatal("expected WaitIdle to time out while the task is still blocked")
	}

	close(release)

	if !w.WaitIdle(2 * time.Second) {
		t.Fatal("expected queue to drain within 2s once unblocked")
	}
}

func TestEnqueueAfterStopIsRejected(t *testing.T) {
	w, _, _ := setup(t)
	w.Stop(time.Second)

	err := w.Enqueue(Task{Type: TaskSaveIndex, Payload: SaveIndexPayload{Tenant: testTenant, Schema: "doc"}})
	if !errors.Is(err, errStopped) {
		t.Fatalf("expected errStopped, got %v", err)
	}
	if got := w.Status(); got != StatusStopped {
		t.Fatalf("expected StatusStopped, got %s", got)
	}
}

func TestStopAbandonsQueueOnTimeout(t *testing.T) {
	w, entities, _ := setup(t)
	ctx := context.Background()
	id, err := entities.Insert(ctx, testTenant, "doc", map[string]any{"title": "x"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	started := make(chan struct{})
	blockUntil := make(chan struct{})
	// A slow replicate task occupies the loop goroutine while we queue a
	// second task that Stop should abandon before it ever runs.
	slow := replicatorFunc(func(context.Context, string, wal.Entry) error {
		close(started)
		<-blockUntil
		return nil
	})
	w.replicator = slow

	if err := w.Enqueue(Task{Type: TaskReplicate, Payload: ReplicatePayload{Peer: "p", Entry: wal.Entry{}}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	abandoned := make(chan error, 1)
	if err := w.Enqueue(Task{
		Type:     TaskGenerateEmbedding,
		Payload:  GenerateEmbeddingPayload{Tenant: testTenant, Schema: "doc", ID: id, Text: "x"},
		Callback: func(err error) { abandoned <- err },
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stopDone := make(chan struct{})
	go func() {
		w.Stop(50 * time.Millisecond)
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after its timeout")
	}
	close(blockUntil)

	select {
	case <-abandoned:
		t.Fatal("abandoned task's callback should never fire")
	case <-time.After(100 * time.Millisecond):
	}

	if got := w.Status(); got != StatusStopped {
		t.Fatalf("expected StatusStopped, got %s", got)
	}
}
