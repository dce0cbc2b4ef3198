package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p8db/p8core/internal/wal"
)

// pollInterval bounds how often the leader checks for new WAL entries
// once a follower has caught up to Live streaming. There is no WAL
// change-notification hook (spec §4.11 exposes only current_seq/range),
// so the leader polls rather than blocking on an event source.
const pollInterval = 50 * time.Millisecond

// Leader serves WAL range + live stream to connecting followers (spec
// §4.12). One Leader can serve many peer connections concurrently.
type Leader struct {
	wal    *wal.WAL
	peerID string
	logger *log.Logger

	mu         sync.Mutex
	watermarks map[string]uint64 // peer_id -> last acked seq, for flow control/observability
}

// NewLeader constructs a Leader identified as peerID, sourcing history
// and live entries from w.
func NewLeader(w *wal.WAL, peerID string, logger *log.Logger) *Leader {
	if logger == nil {
		logger = log.Default()
	}
	return &Leader{wal: w, peerID: peerID, logger: logger, watermarks: map[string]uint64{}}
}

// Watermark reports the last seq a given peer has acknowledged, for
// tests and operational visibility.
func (l *Leader) Watermark(peer string) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, ok := l.watermarks[peer]
	return seq, ok
}

// Accept loops on ln, spawning a goroutine per connection via an
// errgroup (SPEC_FULL.md §0/§1: "golang.org/x/sync/errgroup ... the
// replication leader's per-peer fan-out"). It returns when ctx is
// cancelled or the listener errors.
func (l *Leader) Accept(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				if err := l.Serve(gctx, nc); err != nil {
					l.logger.Printf("replication: peer connection ended: %v", err)
				}
				return nil
			})
		}
	})
	return g.Wait()
}

// Serve handles one follower connection end to end: read Subscribe,
// reply Connected, stream historical catch-up, then live entries,
// while concurrently draining Ack frames (spec §4.12).
func (l *Leader) Serve(ctx context.Context, nc net.Conn) error {
	defer nc.Close()
	conn := newStreamConn(nc)

	// A blocked conn.recv() does not observe ctx directly; closing the
	// connection on cancellation (listener shutdown) is what unblocks it.
	go func() {
		<-ctx.Done()
		nc.Close()
	}()

	f, err := conn.recv()
	if err != nil {
		return fmt.Errorf("replication: read subscribe: %w", err)
	}
	if f.Type != frameSubscribe {
		_ = conn.send(frameError, ErrorMsg{Code: "protocol", Retryable: false, Message: "expected subscribe"})
		return fmt.Errorf("replication: expected subscribe frame, got %s", f.Type)
	}
	var sub SubscribeMsg
	if err := json.Unmarshal(f.Payload, &sub); err != nil {
		_ = conn.send(frameError, ErrorMsg{Code: "decode", Retryable: false, Message: err.Error()})
		return fmt.Errorf("replication: decode subscribe: %w", err)
	}

	current, err := l.wal.CurrentSeq(ctx, sub.Tenant)
	if err != nil {
		return fmt.Errorf("replication: current_seq: %w", err)
	}
	if err := conn.send(frameConnected, ConnectedMsg{CurrentSeq: current, ServerPeerID: l.peerID}); err != nil {
		return err
	}

	if err := l.sendHistory(ctx, conn, sub.Tenant, sub.Watermark, current); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.readAcks(gctx, conn, sub.PeerID) })
	g.Go(func() error { return l.streamLive(gctx, conn, sub.Tenant, current) })
	return g.Wait()
}

// sendHistory streams (watermark, current] in batches of at most 100
// entries (spec §4.12: "HistoricalBatch messages (≤100 entries each)").
func (l *Leader) sendHistory(ctx context.Context, conn *streamConn, tenant string, watermark, current uint64) error {
	if watermark >= current {
		return nil
	}
	for start := watermark; start < current; {
		end := start + historicalBatchSize
		if end > current {
			end = current
		}
		entries, err := l.wal.Range(ctx, tenant, start, end, historicalBatchSize)
		if err != nil {
			return fmt.Errorf("replication: range: %w", err)
		}
		if err := conn.send(frameHistoricalBatch, HistoricalBatchMsg{Entries: entries}); err != nil {
			return err
		}
		start = end
	}
	return nil
}

// streamLive polls for new WAL entries past lastSent and streams each
// as its own Entry frame (spec §4.12: "streams Entry messages for new
// ops in real time").
func (l *Leader) streamLive(ctx context.Context, conn *streamConn, tenant string, lastSent uint64) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := l.wal.CurrentSeq(ctx, tenant)
			if err != nil {
				return fmt.Errorf("replication: current_seq: %w", err)
			}
			if current <= lastSent {
				continue
			}
			entries, err := l.wal.Range(ctx, tenant, lastSent, current, 0)
			if err != nil {
				return fmt.Errorf("replication: range: %w", err)
			}
			for _, e := range entries {
				if err := conn.send(frameEntry, EntryMsg{Entry: e}); err != nil {
					return err
				}
			}
			lastSent = current
		}
	}
}

// readAcks drains Ack frames from the follower for flow-control
// bookkeeping; it never blocks the writer goroutine since reads and
// writes run concurrently over the same connection.
func (l *Leader) readAcks(ctx context.Context, conn *streamConn, peerID string) error {
	for {
		f, err := conn.recv()
		if err != nil {
			return fmt.Errorf("replication: read ack: %w", err)
		}
		if f.Type != frameAck {
			continue
		}
		var ack AckMsg
		if err := json.Unmarshal(f.Payload, &ack); err != nil {
			continue
		}
		l.mu.Lock()
		if ack.Seq > l.watermarks[peerID] {
			l.watermarks[peerID] = ack.Seq
		}
		l.mu.Unlock()
	}
}
