package replication

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/p8db/p8core/internal/entity"
	"github.com/p8db/p8core/internal/index"
	"github.com/p8db/p8core/internal/keys"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/schema"
	"github.com/p8db/p8core/internal/wal"
)

const testTenant = "acme"

func newEntityStore(t *testing.T) (*kv.Store, *wal.WAL, *entity.Store) {
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

	w := wal.New(store)
	entities := entity.New(store, reg, index.New(store), w)
	return store, w, entities
}

func waitForState(t *testing.T, f *Follower, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("follower never reached state %s (last: %s)", want, f.State())
}

func waitForKey(t *testing.T, store *kv.Store, key []byte, timeout time.Duration) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok, err := store.Get(ctx, key); err == nil && ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("key %s never replicated", key)
}

// TestLeaderFollowerCatchupAndLive mirrors spec scenario S6: a follower
// connects after some history already exists, catches up via
// HistoricalBatch, then observes subsequent writes live.
func TestLeaderFollowerCatchupAndLive(t *testing.T) {
	leaderStore, leaderWAL, leaderEntities := newEntityStore(t)
	followerStore, followerWAL, _ := newEntityStore(t)

	ctx := context.Background()
	preID, err := leaderEntities.Insert(ctx, testTenant, "doc", map[string]any{"title": "a"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	leader := NewLeader(leaderWAL, "leader-1", nil)
	go func() { _ = leader.Accept(runCtx, ln) }()

	follower := NewFollower(followerStore, followerWAL, "follower-1", testTenant, nil)
	dial := func(context.Context) (net.Conn, error) { return net.Dial("tcp", ln.Addr().String()) }
	go follower.Run(runCtx, dial)

	waitForState(t, follower, StateLive, 3*time.Second)
	waitForKey(t, followerStore, keys.Entity(testTenant, preID), 3*time.Second)

	postID, err := leaderEntities.Insert(ctx, testTenant, "doc", map[string]any{"title": "b"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	waitForKey(t, followerStore, keys.Entity(testTenant, postID), 3*time.Second)

	leaderRaw, ok, err := leaderStore.Get(ctx, keys.Entity(testTenant, postID))
	if err != nil || !ok {
		t.Fatalf("leader Get: ok=%v err=%v", ok, err)
	}
	followerRaw, ok, err := followerStore.Get(ctx, keys.Entity(testTenant, postID))
	if err != nil || !ok {
		t.Fatalf("follower Get: ok=%v err=%v", ok, err)
	}
	if string(leaderRaw) != string(followerRaw) {
		t.Fatalf("replicated value mismatch:\nleader=%s\nfollower=%s", leaderRaw, followerRaw)
	}
}

func TestApplyEntryIsIdempotent(t *testing.T) {
	store, w, _ := newEntityStore(t)
	f := NewFollower(store, w, "follower-1", testTenant, nil)
	ctx := context.Background()

	entry := wal.NewEntry(testTenant, "entity", wal.OpPut, 1, keys.Entity(testTenant, "x"), []byte(`{"id":"x"}`), "leader-1")
	if err := f.applyEntry(ctx, "leader-1", entry); err != nil {
		t.Fatalf("applyEntry: %v", err)
	}
	wm, err := f.Watermark(ctx, "leader-1")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm != 1 {
		t.Fatalf("expected watermark 1, got %d", wm)
	}

	// Replaying the same entry (e.g. after a leader resend on
	// reconnect) must be a no-op: watermark doesn't move, no error.
	if err := f.applyEntry(ctx, "leader-1", entry); err != nil {
		t.Fatalf("replay applyEntry: %v", err)
	}
	wm2, err := f.Watermark(ctx, "leader-1")
	if err != nil {
		t.Fatalf("Watermark: %v", err)
	}
	if wm2 != 1 {
		t.Fatalf("expected watermark to stay at 1, got %d", wm2)
	}
}

func TestApplyEntryRejectsUnknownOp(t *testing.T) {
	store, w, _ := newEntityStore(t)
	f := NewFollower(store, w, "follower-1", testTenant, nil)
	ctx := context.Background()

	entry := wal.NewEntry(testTenant, "entity", wal.Op("BOGUS"), 1, keys.Entity(testTenant, "x"), nil, "leader-1")
	if err := f.applyEntry(ctx, "leader-1", entry); err == nil {
		t.Fatal("expected an error for an unrecognized wal op")
	}
}

// TestSendHistoryBatchesAtHundred exercises the leader's batching
// invariant directly over a net.Pipe, without the full follower state
// machine (spec §4.12: "HistoricalBatch messages (<=100 entries each)").
func TestSendHistoryBatchesAtHundred(t *testing.T) {
	_, leaderWAL, leaderEntities := newEntityStore(t)
	ctx := context.Background()
	for i := 0; i < 150; i++ {
		if _, err := leaderEntities.Insert(ctx, testTenant, "doc", map[string]any{"title": "x"}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	current, err := leaderWAL.CurrentSeq(ctx, testTenant)
	if err != nil {
		t.Fatalf("CurrentSeq: %v", err)
	}

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	leader := NewLeader(leaderWAL, "leader-1", nil)
	serverConn := newStreamConn(server)
	clientConn := newStreamConn(client)

	errCh := make(chan error, 1)
	go func() { errCh <- leader.sendHistory(ctx, serverConn, testTenant, 0, current) }()

	var batches, total int
	for uint64(total) < current {
		f, err := clientConn.recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if f.Type != frameHistoricalBatch {
			t.Fatalf("expected historical_batch, got %s", f.Type)
		}
		var batch HistoricalBatchMsg
		if err := json.Unmarshal(f.Payload, &batch); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(batch.Entries) > historicalBatchSize {
			t.Fatalf("batch too large: %d", len(batch.Entries))
		}
		batches++
		total += len(batch.Entries)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("sendHistory: %v", err)
	}
	if batches < 2 {
		t.Fatalf("expected at least 2 batches for %d entries, got %d", current, batches)
	}
}
