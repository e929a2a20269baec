// Package model holds the value types shared across the batcher, channel,
// dispatcher, and script subsystems, plus the closed error taxonomy they
// all raise through. It declares data plus small pure helpers on it
// (String, Valid, Key, Metrics, Retryable) and imports no subsystem
// package, to avoid import cycles between the subsystem packages, the same
// discipline the teacher's common_structs.go uses for its cross-cutting
// types.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// Direction is the flow of a payment relative to the local peer.
type Direction uint8

const (
	DirectionSent Direction = iota
	DirectionReceived
)

func (d Direction) String() string {
	if d == DirectionReceived {
		return "received"
	}
	return "sent"
}

var contentHashRe = regexp.MustCompile(`^[a-fA-F0-9]{40}$`)

// ContentHash is a 40-hex content identifier, case-insensitive.
type ContentHash string

// Valid reports whether h is a well-formed 40-hex content hash.
func (h ContentHash) Valid() bool { return contentHashRe.MatchString(string(h)) }

// PeerID is an opaque per-peer identifier; the transport layer decides its
// encoding, the core only compares and stores it.
type PeerID string

// BatchKey groups PaymentEvents that must flush together.
type BatchKey struct {
	ContentHash ContentHash
	Direction   Direction
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%s/%s", k.ContentHash, k.Direction)
}

// PaymentEvent is an immutable record of a single block's payment, as
// reported by the transport layer when a block transfer completes.
type PaymentEvent struct {
	ContentHash ContentHash
	Direction   Direction
	PeerID      PeerID
	BlockIndex  uint64
	BlockSize   uint64
	Amount      uint64
	ArrivedAt   time.Time
}

// Key returns the BatchKey this event belongs to.
func (e PaymentEvent) Key() BatchKey {
	return BatchKey{ContentHash: e.ContentHash, Direction: e.Direction}
}

// FlushReason records why a Batch was emitted.
type FlushReason uint8

const (
	FlushSize FlushReason = iota
	FlushTimeout
	FlushOverflow
	FlushShutdown
)

func (r FlushReason) String() string {
	switch r {
	case FlushSize:
		return "size"
	case FlushTimeout:
		return "timeout"
	case FlushOverflow:
		return "overflow"
	case FlushShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Batch is an immutable snapshot handed off once a key's pending queue is
// flushed; ownership of the underlying events moves to the consumer.
type Batch struct {
	Key        BatchKey
	Events     []PaymentEvent
	OpenedAt   time.Time
	FlushedAt  time.Time
	Reason     FlushReason
}

// Metrics summarizes a flushed Batch for observability and for feeding the
// adaptive tuner.
func (b Batch) Metrics() BatchMetrics {
	m := BatchMetrics{
		Count:       len(b.Events),
		FlushReason: b.Reason,
		TimeSpan:    b.FlushedAt.Sub(b.OpenedAt),
	}
	peers := make(map[PeerID]struct{}, len(b.Events))
	blocks := make(map[uint64]struct{}, len(b.Events))
	for _, e := range b.Events {
		m.TotalAmount += e.Amount
		peers[e.PeerID] = struct{}{}
		blocks[e.BlockIndex] = struct{}{}
	}
	m.UniquePeerCount = len(peers)
	m.UniqueBlockCount = len(blocks)
	if m.TimeSpan > 0 {
		m.Throughput = float64(m.Count) / m.TimeSpan.Seconds()
	}
	return m
}

// BatchMetrics is a derived, reportable view of a flushed Batch.
type BatchMetrics struct {
	Count            int
	TotalAmount      uint64
	UniquePeerCount  int
	UniqueBlockCount int
	TimeSpan         time.Duration
	FlushReason      FlushReason
	Throughput       float64
}

// ChannelStatus is the state-machine position of a Channel (spec §4.2).
type ChannelStatus uint8

const (
	ChannelOpen ChannelStatus = iota
	ChannelPaused
	ChannelSettling
	ChannelClosed
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelPaused:
		return "paused"
	case ChannelSettling:
		return "settling"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelID identifies a Channel; opaque to callers outside the Channel
// Manager.
type ChannelID string

// Address is a base58check-encoded on-chain recipient identifier.
type Address string

// ScriptArtifact is the Composer's output: a locking script plus enough
// metadata to estimate fees and, where relevant, unlock it later.
type ScriptArtifact struct {
	LockingBytes    []byte
	EstimatedLength int
	EstimatedFee    uint64
	// UnlockTemplate, when non-nil, produces unlocking bytes for a given
	// transaction and input index. Nil for artifacts that are spent by a
	// collaborator Signer rather than the Composer itself.
	UnlockTemplate func(txBytes []byte, inputIndex int) ([]byte, error)
}

// Priority ranks queued broadcasts; lower numeric value means it is
// serviced first, matching spec §4.3's priority queue (urgent first).
type Priority uint8

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// EndpointHealth is the coarse health classification surfaced for an
// Endpoint's EndpointStats.
type EndpointHealth uint8

const (
	HealthHealthy EndpointHealth = iota
	HealthDegraded
	HealthFailed
)

func (h EndpointHealth) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AuditRecord is the minimum persisted shape spec §6 requires for every
// settlement, rejection, and broadcast outcome.
type AuditRecord struct {
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	Amount    uint64    `json:"amount"`
	TxID      string    `json:"tx_id,omitempty"`
	ChannelID ChannelID `json:"channel_id,omitempty"`
	PeerID    PeerID    `json:"peer_id,omitempty"`
	Outcome   string    `json:"outcome"`
}
