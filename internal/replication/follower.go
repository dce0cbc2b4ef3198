package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p8db/p8core/internal/keys"
	"github.com/p8db/p8core/internal/kv"
	"github.com/p8db/p8core/internal/wal"
)

// State is the follower's per-stream lifecycle state (spec §4.12:
// "Idle -> Subscribing -> Catchup -> Live -> Disconnected -> Idle").
type State string

const (
	StateIdle         State = "Idle"
	StateSubscribing  State = "Subscribing"
	StateCatchup      State = "Catchup"
	StateLive         State = "Live"
	StateDisconnected State = "Disconnected"
)

const (
	ackInterval    = 200 * time.Millisecond
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Dialer opens a fresh connection to the leader; callers typically pass
// a closure around net.Dial.
type Dialer func(ctx context.Context) (net.Conn, error)

// Follower subscribes to a Leader's WAL stream for one (tenant, self
// peer id) pair and applies received entries idempotently (spec
// §4.12).
type Follower struct {
	store  *kv.Store
	wal    *wal.WAL
	peerID string
	tenant string
	logger *log.Logger

	mu           sync.Mutex
	state        State
	leaderPeerID string // learned from the first Connected frame, remembered across reconnects
}

// NewFollower constructs a Follower applying entries into store/wal for
// tenant, identifying itself to the leader as peerID.
func NewFollower(store *kv.Store, w *wal.WAL, peerID, tenant string, logger *log.Logger) *Follower {
	if logger == nil {
		logger = log.Default()
	}
	return &Follower{store: store, wal: w, peerID: peerID, tenant: tenant, logger: logger, state: StateIdle}
}

// State reports the follower's current lifecycle state.
func (f *Follower) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Follower) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Watermark returns the last durably-applied seq for leaderPeerID
// (spec §4.11/§4.12: "Replication consumers use range with their
// persisted watermark").
func (f *Follower) Watermark(ctx context.Context, leaderPeerID string) (uint64, error) {
	raw, ok, err := f.store.Get(ctx, keys.ReplicationWatermark(f.tenant, leaderPeerID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	var n uint64
	if _, err := fmt.Sscanf(string(raw), "%d", &n); err != nil {
		return 0, fmt.Errorf("replication: corrupt watermark for %s: %w", leaderPeerID, err)
	}
	return n, nil
}

// Run dials dial, subscribes, and applies the stream until ctx is
// cancelled, reconnecting with exponential backoff on any failure
// (spec §4.12: "follower reconnect resumes from watermark with
// exponential backoff"). It does not return until ctx is done.
func (f *Follower) Run(ctx context.Context, dial Dialer) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			f.setState(StateIdle)
			return
		}
		if err := f.runOnce(ctx, dial); err != nil {
			f.logger.Printf("replication: stream ended: %v", err)
		}
		f.setState(StateDisconnected)

		select {
		case <-ctx.Done():
			f.setState(StateIdle)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce performs a single connect-subscribe-catchup-live cycle; Run,
// not runOnce, resets the state to StateIdle on ctx cancellation.
func (f *Follower) runOnce(ctx context.Context, dial Dialer) error {
	f.setState(StateSubscribing)
	nc, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer nc.Close()
	conn := newStreamConn(nc)

	// A blocked conn.recv() below does not observe ctx directly; closing
	// the connection on cancellation is what unblocks it.
	go func() {
		<-ctx.Done()
		nc.Close()
	}()

	f.mu.Lock()
	knownLeader := f.leaderPeerID
	f.mu.Unlock()

	var watermark uint64
	if knownLeader != "" {
		watermark, err = f.Watermark(ctx, knownLeader)
		if err != nil {
			return err
		}
	}

	if err := conn.send(frameSubscribe, SubscribeMsg{PeerID: f.peerID, Tenant: f.tenant, Watermark: watermark}); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}

	cf, err := conn.recv()
	if err != nil {
		return fmt.Errorf("read connected: %w", err)
	}
	if cf.Type == frameError {
		var em ErrorMsg
		_ = json.Unmarshal(cf.Payload, &em)
		return fmt.Errorf("leader error: %s", em.Message)
	}
	if cf.Type != frameConnected {
		return fmt.Errorf("expected connected frame, got %s", cf.Type)
	}
	var connected ConnectedMsg
	if err := json.Unmarshal(cf.Payload, &connected); err != nil {
		return fmt.Errorf("decode connected: %w", err)
	}
	leaderPeerID := connected.ServerPeerID
	f.mu.Lock()
	f.leaderPeerID = leaderPeerID
	f.mu.Unlock()

	f.setState(StateCatchup)
	var lastAcked atomic.Uint64
	lastAcked.Store(watermark)

	// Acks are sent from their own goroutine on a timer, concurrently
	// with the blocking recv loop below (spec §4.12: "Follower
	// periodically sends Ack{seq}"); conn.send is mutex-guarded so this
	// never races with a reply the recv loop might also write.
	ackDone := make(chan struct{})
	defer close(ackDone)
	go func() {
		ticker := time.NewTicker(ackInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ackDone:
				return
			case <-ticker.C:
				if seq := lastAcked.Load(); seq > 0 {
					_ = conn.send(frameAck, AckMsg{PeerID: f.peerID, Seq: seq})
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		fr, err := conn.recv()
		if err != nil {
			return fmt.Errorf("recv: %w", err)
		}
		switch fr.Type {
		case frameHistoricalBatch:
			var batch HistoricalBatchMsg
			if err := json.Unmarshal(fr.Payload, &batch); err != nil {
				return fmt.Errorf("decode historical batch: %w", err)
			}
			for _, e := range batch.Entries {
				if err := f.applyEntry(ctx, leaderPeerID, e); err != nil {
					return fmt.Errorf("apply historical entry %d: %w", e.Seq, err)
				}
				lastAcked.Store(e.Seq)
			}
			if len(batch.Entries) < historicalBatchSize {
				f.setState(StateLive)
			}
		case frameEntry:
			f.setState(StateLive)
			var em EntryMsg
			if err := json.Unmarshal(fr.Payload, &em); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			if err := f.applyEntry(ctx, leaderPeerID, em.Entry); err != nil {
				return fmt.Errorf("apply entry %d: %w", em.Entry.Seq, err)
			}
			lastAcked.Store(em.Entry.Seq)
		case frameError:
			var em ErrorMsg
			_ = json.Unmarshal(fr.Payload, &em)
			return fmt.Errorf("leader error: %s", em.Message)
		}
	}
}

// applyEntry is the idempotent local-apply path (spec §4.12: "followers
// refuse to apply entries at or below their persisted watermark; the
// watermark is advanced only after successful local apply + fsync").
func (f *Follower) applyEntry(ctx context.Context, leaderPeerID string, e wal.Entry) error {
	current, err := f.Watermark(ctx, leaderPeerID)
	if err != nil {
		return err
	}
	if e.Seq <= current {
		return nil
	}

	var dataOp kv.Op
	switch e.Op {
	case wal.OpPut:
		dataOp = kv.PutOp(e.Key, e.Value)
	case wal.OpDelete:
		dataOp = kv.DeleteOp(e.Key)
	default:
		return fmt.Errorf("unknown wal op %q", e.Op)
	}

	walOp, err := wal.AppendOp(e)
	if err != nil {
		return err
	}
	watermarkOp := kv.PutOp(keys.ReplicationWatermark(f.tenant, leaderPeerID), []byte(wal.FormatSeq(e.Seq)))

	if err := f.store.Batch(ctx, []kv.Op{dataOp, walOp, watermarkOp}); err != nil {
		return err
	}
	f.wal.RecordApplied(e.Tenant, e)
	return nil
}
