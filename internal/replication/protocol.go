// Package replication implements the leader/follower WAL streaming
// transport (spec §4.12, C12). Framing is grounded on the teacher's RPC
// client (internal/rpc/client.go's Execute): one JSON value per line,
// written through a bufio.Writer and terminated with '\n', read back
// with bufio.Reader.ReadBytes('\n') — generalized here from a single
// request/response round trip into a long-lived bidirectional stream of
// typed frames.
package replication

import (
	"encoding/json"

	"github.com/p8db/p8core/internal/wal"
)

// frameType is the closed set of messages the protocol exchanges (spec
// §4.12's "Protocol (conceptual)" list).
type frameType string

const (
	frameSubscribe       frameType = "subscribe"
	frameConnected       frameType = "connected"
	frameHistoricalBatch frameType = "historical_batch"
	frameEntry           frameType = "entry"
	frameAck             frameType = "ack"
	frameError           frameType = "error"
)

// frame is the envelope every message travels in, matching the
// teacher's Request{Operation, Args json.RawMessage} shape: a type tag
// plus an opaque payload decoded once the tag is known.
type frame struct {
	Type    frameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubscribeMsg is sent by a follower opening a stream.
type SubscribeMsg struct {
	PeerID    string `json:"peer_id"`
	Tenant    string `json:"tenant"`
	Watermark uint64 `json:"watermark"`
}

// ConnectedMsg is the leader's reply to Subscribe.
type ConnectedMsg struct {
	CurrentSeq   uint64 `json:"current_seq"`
	ServerPeerID string `json:"server_peer_id"`
}

// HistoricalBatchMsg carries at most 100 catch-up entries (spec §4.12).
type HistoricalBatchMsg struct {
	Entries []wal.Entry `json:"entries"`
}

// EntryMsg carries one live entry.
type EntryMsg struct {
	Entry wal.Entry `json:"entry"`
}

// AckMsg reports the highest seq a follower has durably applied.
type AckMsg struct {
	PeerID string `json:"peer_id"`
	Seq    uint64 `json:"seq"`
}

// ErrorMsg reports a protocol-level failure (spec §4.12: "unknown op or
// decode failure emits Error{code, retryable}").
type ErrorMsg struct {
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
}

const historicalBatchSize = 100

func encodeFrame(t frameType, payload any) (frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return frame{}, err
	}
	return frame{Type: t, Payload: raw}, nil
}
