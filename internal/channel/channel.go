// Package channel implements the Micropayment Channel Manager (spec
// §4.2): per-peer streaming channels with balance accounting,
// block-index monotonicity, settlement, and retry/recovery. Each
// channel's state is serialized by its own mutex, grounded on the
// teacher's lightning_node.go channel-map-plus-per-op-locking shape but
// generalized from a two-party balance swap into the admit/settle/pause
// state machine spec §4.2 describes.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bsv-streaming/micropay/internal/model"
	"github.com/bsv-streaming/micropay/internal/retry"
	"github.com/bsv-streaming/micropay/internal/script"
)

// Config mirrors pkg/config.ChannelConfig in duration/int form.
type Config struct {
	StandardBlockSize uint64
	StandardRate      uint64
	MinPaymentAmount  uint64
	MaxPaymentAmount  uint64
	WithdrawalPerTx   uint64
	WithdrawalDaily   uint64
	MaxRetries        int
	RetryBackoff      time.Duration
}

// OpenParams are the inputs to Open.
type OpenParams struct {
	PeerID               model.PeerID
	PeerPublicKey        []byte
	LocalBalance         uint64
	RemoteBalance        uint64
	MaxBalance           uint64
	RatePerBlock         uint64
	FundingRef           string
	ExpiresAt            time.Time
	LocalPayoutAddress   model.Address
	RemotePayoutAddress  model.Address
}

// Channel is the owned, mutex-serialized per-peer state. Fields are
// exported for Status() snapshots only; all mutation goes through the
// Manager's methods which hold mu.
type Channel struct {
	mu sync.Mutex

	ID                  model.ChannelID
	PeerID              model.PeerID
	PeerPublicKey       []byte
	LocalBalance        uint64
	RemoteBalance       uint64
	RatePerBlock        uint64
	MaxBalance          uint64
	LastSettledBlockIdx int64 // -1 until first admitted payment
	Status              model.ChannelStatus
	FundingRef          string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	LocalPayoutAddress  model.Address
	RemotePayoutAddress model.Address
}

// Snapshot is an immutable, lock-free copy of a Channel's state, safe to
// read or serialize after Status() returns it.
type Snapshot struct {
	ID                  model.ChannelID
	PeerID              model.PeerID
	LocalBalance        uint64
	RemoteBalance       uint64
	RatePerBlock        uint64
	MaxBalance          uint64
	LastSettledBlockIdx int64
	Status              model.ChannelStatus
	FundingRef          string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	LocalPayoutAddress  model.Address
	RemotePayoutAddress model.Address
}

func (c *Channel) snapshotLocked() Snapshot {
	return Snapshot{
		ID: c.ID, PeerID: c.PeerID, LocalBalance: c.LocalBalance,
		RemoteBalance: c.RemoteBalance, RatePerBlock: c.RatePerBlock,
		MaxBalance: c.MaxBalance, LastSettledBlockIdx: c.LastSettledBlockIdx,
		Status: c.Status, FundingRef: c.FundingRef, CreatedAt: c.CreatedAt,
		ExpiresAt: c.ExpiresAt, LocalPayoutAddress: c.LocalPayoutAddress,
		RemotePayoutAddress: c.RemotePayoutAddress,
	}
}

// Broadcaster is the seam the Manager uses to submit settlement
// transactions; satisfied by internal/dispatcher.Dispatcher in
// production.
type Broadcaster interface {
	Broadcast(ctx context.Context, artifact model.ScriptArtifact) (txID string, retryable bool, err error)
}

// Composer is the seam the Manager uses to build settlement artifacts;
// satisfied by internal/script.Composer in production.
type Composer interface {
	ComposeSettlement(local, remote script.PayeeAmount) (model.ScriptArtifact, error)
}

// Manager owns the channel map exclusively; all channel state is reached
// only through it, per spec §3 ("Cross-subsystem handoff is by move or
// message").
type Manager struct {
	mu       sync.Mutex
	channels map[model.ChannelID]*Channel
	cfg      Config
	composer Composer
	bc       Broadcaster
	log      *logrus.Entry
}

// New constructs a Manager.
func New(cfg Config, composer Composer, bc Broadcaster, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Manager{
		channels: make(map[model.ChannelID]*Channel),
		cfg:      cfg,
		composer: composer,
		bc:       bc,
		log:      log,
	}
}

// Open creates an open channel with the given initial split.
func (m *Manager) Open(p OpenParams) (model.ChannelID, error) {
	const op = "channel.Open"
	if p.LocalBalance+p.RemoteBalance > p.MaxBalance {
		return "", model.New(model.KindInvalidParams, op, nil)
	}
	if p.MaxBalance == 0 || p.RatePerBlock == 0 {
		return "", model.New(model.KindInvalidParams, op, nil)
	}
	if p.LocalBalance == 0 && p.RemoteBalance == 0 {
		return "", model.New(model.KindInsufficientFunds, op, nil)
	}

	id := model.ChannelID(uuid.New().String())
	ch := &Channel{
		ID: id, PeerID: p.PeerID, PeerPublicKey: p.PeerPublicKey,
		LocalBalance: p.LocalBalance, RemoteBalance: p.RemoteBalance,
		RatePerBlock: p.RatePerBlock, MaxBalance: p.MaxBalance,
		LastSettledBlockIdx: -1, Status: model.ChannelOpen,
		FundingRef: p.FundingRef, CreatedAt: time.Now(), ExpiresAt: p.ExpiresAt,
		LocalPayoutAddress: p.LocalPayoutAddress, RemotePayoutAddress: p.RemotePayoutAddress,
	}

	m.mu.Lock()
	if _, exists := m.channels[id]; exists {
		m.mu.Unlock()
		return "", model.New(model.KindDuplicateChannel, op, nil)
	}
	m.channels[id] = ch
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"channel_id": id, "peer_id": p.PeerID}).Info("channel opened")
	return id, nil
}

func (m *Manager) lookup(id model.ChannelID) (*Channel, error) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	m.mu.Unlock()
	if !ok {
		return nil, model.New(model.KindUnknownChannel, "channel.lookup", nil)
	}
	return ch, nil
}

// AmountForBlock implements proportional pricing (spec §4.2): amount =
// floor(rate * size/standard), clamped to [min,max]; a value that would
// round to zero either pays the floor (if floor>1) or contributes zero.
func AmountForBlock(rate, blockSize, standardSize, min, max uint64) uint64 {
	if standardSize == 0 {
		standardSize = 1
	}
	amount := (rate * blockSize) / standardSize
	if amount == 0 {
		if min > 1 {
			return min
		}
		return 0
	}
	if amount < min {
		return min
	}
	if amount > max {
		return max
	}
	return amount
}

// AdmitPayment atomically checks balance and block-index monotonicity and
// applies the balance delta, returning the amount charged. It never calls
// the Broadcaster and performs no retries; the Dispatcher-backed retry
// loop lives in Settle.
func (m *Manager) AdmitPayment(id model.ChannelID, blockIndex uint64, blockSize uint64) (uint64, error) {
	const op = "channel.AdmitPayment"
	ch, err := m.lookup(id)
	if err != nil {
		return 0, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	switch ch.Status {
	case model.ChannelPaused:
		return 0, model.New(model.KindChannelPaused, op, nil)
	case model.ChannelClosed, model.ChannelSettling:
		return 0, model.New(model.KindChannelClosed, op, nil)
	}

	if int64(blockIndex) <= ch.LastSettledBlockIdx {
		return 0, model.New(model.KindNonMonotonicBlock, op, nil)
	}

	amount := AmountForBlock(ch.RatePerBlock, blockSize, m.cfg.StandardBlockSize, m.cfg.MinPaymentAmount, m.cfg.MaxPaymentAmount)
	if amount == 0 {
		return 0, model.New(model.KindInvalidParams, op, nil)
	}
	if amount > ch.LocalBalance {
		return 0, model.New(model.KindInsufficientBalance, op, nil)
	}

	ch.LocalBalance -= amount
	ch.RemoteBalance += amount
	ch.LastSettledBlockIdx = int64(blockIndex)
	return amount, nil
}

// Pause toggles an open channel to paused; rejects if not currently open.
func (m *Manager) Pause(id model.ChannelID) error {
	ch, err := m.lookup(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.Status != model.ChannelOpen {
		return model.New(model.KindChannelClosed, "channel.Pause", nil)
	}
	ch.Status = model.ChannelPaused
	return nil
}

// Resume toggles a paused channel back to open.
func (m *Manager) Resume(id model.ChannelID) error {
	ch, err := m.lookup(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.Status != model.ChannelPaused {
		return model.New(model.KindChannelClosed, "channel.Resume", nil)
	}
	ch.Status = model.ChannelOpen
	return nil
}

// Status returns a point-in-time snapshot; never mutates.
func (m *Manager) Status(id model.ChannelID) (Snapshot, error) {
	ch, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.snapshotLocked(), nil
}

// Snapshots returns every channel's current state, used by the
// Supervisor's periodic checkpoint (SPEC_FULL §3 ChannelSnapshot).
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	ids := make([]model.ChannelID, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := m.Status(id); err == nil {
			out = append(out, snap)
		}
	}
	return out
}

// Settle transitions the channel to settling, asks the Composer for a
// two-output settlement artifact, hands it to the Broadcaster, and
// transitions to closed on success. A retryable Broadcaster error is
// retried up to cfg.MaxRetries times with base*2^attempt backoff; the
// channel status is never mutated speculatively during retries.
func (m *Manager) Settle(ctx context.Context, id model.ChannelID) (txID string, err error) {
	const op = "channel.Settle"
	ch, lookupErr := m.lookup(id)
	if lookupErr != nil {
		return "", lookupErr
	}

	ch.mu.Lock()
	if ch.Status != model.ChannelOpen && ch.Status != model.ChannelPaused {
		ch.mu.Unlock()
		return "", model.New(model.KindChannelClosed, op, nil)
	}
	ch.Status = model.ChannelSettling
	local := script.PayeeAmount{Address: ch.LocalPayoutAddress, Amount: ch.LocalBalance}
	remote := script.PayeeAmount{Address: ch.RemotePayoutAddress, Amount: ch.RemoteBalance}
	ch.mu.Unlock()

	artifact, composeErr := m.composer.ComposeSettlement(local, remote)
	if composeErr != nil {
		m.revertToOpen(ch)
		return "", model.New(model.KindInvalidParams, op, composeErr)
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retry.Backoff(m.cfg.RetryBackoff, attempt-1, 10*time.Second)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				m.revertToOpen(ch)
				return "", model.New(model.KindTimeout, op, ctx.Err())
			}
		}
		settledTxID, retryable, bErr := m.bc.Broadcast(ctx, artifact)
		if bErr == nil {
			ch.mu.Lock()
			ch.Status = model.ChannelClosed
			ch.mu.Unlock()
			m.log.WithFields(logrus.Fields{"channel_id": ch.ID, "tx_id": settledTxID}).Info("channel settled")
			return settledTxID, nil
		}
		lastErr = bErr
		if !retryable {
			break
		}
	}
	m.revertToOpen(ch)
	return "", model.New(model.KindNetworkTransient, op, lastErr)
}

func (m *Manager) revertToOpen(ch *Channel) {
	ch.mu.Lock()
	if ch.Status == model.ChannelSettling {
		ch.Status = model.ChannelOpen
	}
	ch.mu.Unlock()
}
