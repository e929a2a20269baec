package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsv-streaming/micropay/internal/model"
	"github.com/bsv-streaming/micropay/internal/script"
)

func testConfig() Config {
	return Config{
		StandardBlockSize: 16384,
		StandardRate:      10,
		MinPaymentAmount:  1,
		MaxPaymentAmount:  1_000_000,
		WithdrawalPerTx:   1_000_000,
		WithdrawalDaily:   10_000_000,
		MaxRetries:        2,
		RetryBackoff:      time.Millisecond,
	}
}

type stubComposer struct {
	err error
}

func (s *stubComposer) ComposeSettlement(local, remote script.PayeeAmount) (model.ScriptArtifact, error) {
	if s.err != nil {
		return model.ScriptArtifact{}, s.err
	}
	return model.ScriptArtifact{LockingBytes: []byte{0x01}}, nil
}

type stubBroadcaster struct {
	calls     int32
	failTimes int32
	retryable bool
	txID      string
}

func (s *stubBroadcaster) Broadcast(ctx context.Context, artifact model.ScriptArtifact) (string, bool, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= s.failTimes {
		return "", s.retryable, errors.New("broadcast failed")
	}
	return s.txID, false, nil
}

func testAddress(seed byte) model.Address {
	var hash [20]byte
	for i := range hash {
		hash[i] = seed + byte(i)
	}
	return script.EncodeAddress(0x00, hash)
}

func openTestChannel(t *testing.T, m *Manager, local, remote uint64) model.ChannelID {
	t.Helper()
	id, err := m.Open(OpenParams{
		PeerID: "peer-1", LocalBalance: local, RemoteBalance: remote,
		MaxBalance: local + remote + 1000, RatePerBlock: 10,
		LocalPayoutAddress:  testAddress(1),
		RemotePayoutAddress: testAddress(2),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return id
}

// Ch-Safety: an admit-payment may never push local balance negative.
func TestAdmitPaymentRejectsWhenInsufficientBalance(t *testing.T) {
	m := New(testConfig(), &stubComposer{}, &stubBroadcaster{}, nil)
	id := openTestChannel(t, m, 15, 0)

	if _, err := m.AdmitPayment(id, 0, 16384); err != nil {
		t.Fatalf("first admit should succeed: %v", err)
	}
	if _, err := m.AdmitPayment(id, 1, 16384); err == nil {
		t.Fatal("expected insufficient-balance rejection on the second admit")
	}
}

// Ch-Monotonic: block indices must strictly increase per channel.
func TestAdmitPaymentRejectsNonMonotonicBlock(t *testing.T) {
	m := New(testConfig(), &stubComposer{}, &stubBroadcaster{}, nil)
	id := openTestChannel(t, m, 1000, 0)

	if _, err := m.AdmitPayment(id, 5, 16384); err != nil {
		t.Fatalf("admit at block 5: %v", err)
	}
	if _, err := m.AdmitPayment(id, 5, 16384); err == nil {
		t.Fatal("expected rejection for repeated block index")
	}
	if _, err := m.AdmitPayment(id, 3, 16384); err == nil {
		t.Fatal("expected rejection for decreasing block index")
	}
	if _, err := m.AdmitPayment(id, 6, 16384); err != nil {
		t.Fatalf("admit at block 6 should succeed: %v", err)
	}
}

// Boundary: a block-size of exactly the standard size prices at
// exactly the standard rate, clamped within [min, max].
func TestAmountForBlockBoundaries(t *testing.T) {
	if got := AmountForBlock(10, 16384, 16384, 1, 1_000_000); got != 10 {
		t.Fatalf("expected standard-rate amount of 10, got %d", got)
	}
	if got := AmountForBlock(10, 0, 16384, 5, 1_000_000); got != 5 {
		t.Fatalf("expected floor-clamped amount of 5 for a zero-size block, got %d", got)
	}
	if got := AmountForBlock(10, 16384*1000, 16384, 1, 100); got != 100 {
		t.Fatalf("expected ceiling-clamped amount of 100, got %d", got)
	}
}

func TestAdmitPaymentRejectsOnPausedOrClosedChannel(t *testing.T) {
	m := New(testConfig(), &stubComposer{}, &stubBroadcaster{}, nil)
	id := openTestChannel(t, m, 1000, 0)

	if err := m.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := m.AdmitPayment(id, 0, 16384); err == nil {
		t.Fatal("expected rejection while paused")
	}
	if err := m.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := m.AdmitPayment(id, 0, 16384); err != nil {
		t.Fatalf("admit after resume: %v", err)
	}
}

func TestSettleClosesChannelOnSuccess(t *testing.T) {
	m := New(testConfig(), &stubComposer{}, &stubBroadcaster{txID: "deadbeef"}, nil)
	id := openTestChannel(t, m, 100, 50)

	txID, err := m.Settle(context.Background(), id)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if txID != "deadbeef" {
		t.Fatalf("expected tx id deadbeef, got %s", txID)
	}
	snap, err := m.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != model.ChannelClosed {
		t.Fatalf("expected channel closed, got %v", snap.Status)
	}
}

// Settle retries a retryable broadcast failure and still succeeds within
// cfg.MaxRetries.
func TestSettleRetriesRetryableFailures(t *testing.T) {
	bc := &stubBroadcaster{failTimes: 2, retryable: true, txID: "cafef00d"}
	m := New(testConfig(), &stubComposer{}, bc, nil)
	id := openTestChannel(t, m, 100, 50)

	txID, err := m.Settle(context.Background(), id)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if txID != "cafef00d" {
		t.Fatalf("expected tx id cafef00d, got %s", txID)
	}
}

// A non-retryable broadcast failure reverts the channel to open rather
// than leaving it stuck in settling.
func TestSettleRevertsToOpenOnNonRetryableFailure(t *testing.T) {
	bc := &stubBroadcaster{failTimes: 1, retryable: false}
	m := New(testConfig(), &stubComposer{}, bc, nil)
	id := openTestChannel(t, m, 100, 50)

	if _, err := m.Settle(context.Background(), id); err == nil {
		t.Fatal("expected settle to fail")
	}
	snap, err := m.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != model.ChannelOpen {
		t.Fatalf("expected channel reverted to open, got %v", snap.Status)
	}
}

func TestOpenRejectsOverfundedChannel(t *testing.T) {
	m := New(testConfig(), &stubComposer{}, &stubBroadcaster{}, nil)
	_, err := m.Open(OpenParams{PeerID: "p", LocalBalance: 50, RemoteBalance: 60, MaxBalance: 100, RatePerBlock: 1})
	if err == nil {
		t.Fatal("expected rejection when local+remote exceeds max balance")
	}
}

func TestStatusUnknownChannel(t *testing.T) {
	m := New(testConfig(), &stubComposer{}, &stubBroadcaster{}, nil)
	if _, err := m.Status("does-not-exist"); err == nil {
		t.Fatal("expected unknown-channel error")
	}
}
