package script

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bsv-streaming/micropay/internal/model"
)

func testComposer() *Composer {
	return NewComposer(Config{
		FeeRatePerByte:          0.5,
		MinPaymentAmount:        1,
		MaxPaymentAmount:        1_000_000,
		EarlyWithdrawPenaltyBps: 500,
	})
}

func fixtureAddress(seed byte) model.Address {
	var hash [20]byte
	for i := range hash {
		hash[i] = seed + byte(i)
	}
	return EncodeAddress(0x00, hash)
}

// Det-Compose / spec §8 scenario 6: compose-p2pkh is byte-identical and
// fee-identical across repeated invocations with the same inputs, using
// the spec's own example address.
func TestComposeP2PKHDeterministic(t *testing.T) {
	c := testComposer()
	addr := model.Address("1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2")

	a1, err := c.ComposeP2PKH(addr, 17)
	if err != nil {
		t.Fatalf("compose 1: %v", err)
	}
	a2, err := c.ComposeP2PKH(addr, 17)
	if err != nil {
		t.Fatalf("compose 2: %v", err)
	}
	if string(a1.LockingBytes) != string(a2.LockingBytes) {
		t.Fatal("locking bytes differ across identical invocations")
	}
	if a1.EstimatedLength != a2.EstimatedLength || a1.EstimatedFee != a2.EstimatedFee {
		t.Fatal("estimated length/fee differ across identical invocations")
	}
}

func TestComposeP2PKHRejectsBadAddress(t *testing.T) {
	c := testComposer()
	if _, err := c.ComposeP2PKH("not-a-real-address", 10); err == nil {
		t.Fatal("expected error for malformed address")
	}
	if _, err := c.ComposeP2PKH(fixtureAddress(1), 0); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

// Batch-Total: a composed batch's value equals the sum of its events.
func TestComposeBatchSumsAmounts(t *testing.T) {
	c := testComposer()
	addr := fixtureAddress(2)
	events := []PayeeAmount{{Address: addr, Amount: 10}, {Address: addr, Amount: 22}, {Address: addr, Amount: 5}}

	artifact, err := c.ComposeBatch(addr, events)
	if err != nil {
		t.Fatalf("compose batch: %v", err)
	}
	single, err := c.ComposeP2PKH(addr, 37)
	if err != nil {
		t.Fatalf("compose single: %v", err)
	}
	if string(artifact.LockingBytes) != string(single.LockingBytes) {
		t.Fatal("batch lock bytes should equal a single output for the summed amount")
	}
}

func TestComposeBatchRejectsMixedRecipients(t *testing.T) {
	c := testComposer()
	events := []PayeeAmount{{Address: fixtureAddress(3), Amount: 10}, {Address: fixtureAddress(4), Amount: 5}}
	if _, err := c.ComposeBatch(fixtureAddress(3), events); err == nil {
		t.Fatal("expected error for mismatched recipient")
	}
}

func TestComposeMixedBatchGroupsByRecipient(t *testing.T) {
	c := testComposer()
	a, b := fixtureAddress(5), fixtureAddress(6)
	events := []PayeeAmount{{Address: a, Amount: 10}, {Address: b, Amount: 3}, {Address: a, Amount: 7}}

	artifacts, err := c.ComposeMixedBatch(events)
	if err != nil {
		t.Fatalf("compose mixed batch: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected 2 recipient groups, got %d", len(artifacts))
	}
	wantA, _ := c.ComposeP2PKH(a, 17)
	if string(artifacts[a].LockingBytes) != string(wantA.LockingBytes) {
		t.Fatal("group 'a' total mismatch")
	}
}

func TestComposeSettlementBothSides(t *testing.T) {
	c := testComposer()
	local := PayeeAmount{Address: fixtureAddress(7), Amount: 100}
	remote := PayeeAmount{Address: fixtureAddress(8), Amount: 50}

	artifact, err := c.ComposeSettlement(local, remote)
	if err != nil {
		t.Fatalf("compose settlement: %v", err)
	}
	localLock, _ := c.ComposeP2PKH(local.Address, local.Amount)
	if len(artifact.LockingBytes) != 2*len(localLock.LockingBytes) {
		t.Fatalf("expected a two-output settlement, got %d bytes", len(artifact.LockingBytes))
	}
}

func TestComposeSettlementOneSidedSkipsEmptyOutput(t *testing.T) {
	c := testComposer()
	local := PayeeAmount{Address: fixtureAddress(9), Amount: 100}
	remote := PayeeAmount{Address: fixtureAddress(10), Amount: 0}

	artifact, err := c.ComposeSettlement(local, remote)
	if err != nil {
		t.Fatalf("compose settlement: %v", err)
	}
	want, _ := c.ComposeP2PKH(local.Address, local.Amount)
	if string(artifact.LockingBytes) != string(want.LockingBytes) {
		t.Fatal("expected a single-output settlement when the remote side is zero")
	}
}

func TestComposeStreamingLock(t *testing.T) {
	c := testComposer()
	p := StreamingLockParams{
		ContentHash:      model.ContentHash("aa0000000000000000000000000000000000000a"),
		RecipientAddress: fixtureAddress(11),
		BlockIndex:       42,
		PerBlockAmount:   17,
	}
	artifact, err := c.ComposeStreamingLock(p)
	if err != nil {
		t.Fatalf("compose streaming lock: %v", err)
	}
	if len(artifact.LockingBytes) == 0 {
		t.Fatal("expected non-empty locking bytes")
	}
	if _, err := c.ComposeStreamingLock(StreamingLockParams{ContentHash: "bad-hash", RecipientAddress: p.RecipientAddress, PerBlockAmount: 1}); err == nil {
		t.Fatal("expected error for malformed content hash")
	}
}

func TestComposeTimelockedLockPenalty(t *testing.T) {
	c := testComposer()
	p := TimelockedLockParams{
		RecipientAddress:     fixtureAddress(12),
		Amount:               1000,
		UnlockAt:             time.Unix(2000000000, 0),
		EarlyWithdrawAddress: fixtureAddress(13),
	}
	artifact, err := c.ComposeTimelockedLock(p)
	if err != nil {
		t.Fatalf("compose timelocked lock: %v", err)
	}
	if artifact.UnlockTemplate == nil {
		t.Fatal("expected a non-nil early-withdraw unlock template")
	}
	unlock, err := artifact.UnlockTemplate(nil, 0)
	if err != nil {
		t.Fatalf("unlock template: %v", err)
	}
	if len(unlock) == 0 {
		t.Fatal("expected non-empty unlock template output")
	}
}

func TestComposeEscrowLock(t *testing.T) {
	c := testComposer()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := priv.PubKey().SerializeCompressed()

	p := EscrowParams{
		PayerAddress:      fixtureAddress(14),
		PayeeAddress:      fixtureAddress(15),
		MediatorAddress:   fixtureAddress(16),
		MediatorPublicKey: pub,
		RefundDeadline:    time.Unix(2000000000, 0),
	}
	artifact, err := c.ComposeEscrowLock(p)
	if err != nil {
		t.Fatalf("compose escrow lock: %v", err)
	}
	if len(artifact.LockingBytes) == 0 {
		t.Fatal("expected non-empty escrow lock bytes")
	}

	p.MediatorPublicKey = []byte{0x01, 0x02}
	if _, err := c.ComposeEscrowLock(p); err == nil {
		t.Fatal("expected error for invalid mediator public key")
	}
}

func TestValidateAndValidateBatch(t *testing.T) {
	c := testComposer()
	addr := fixtureAddress(17)
	events := []ValidatableEvent{
		{ContentHash: "aa0000000000000000000000000000000000000a", RecipientAddress: addr, BlockIndex: 0, BlockSize: 16384, Amount: 10},
		{ContentHash: "aa0000000000000000000000000000000000000a", RecipientAddress: addr, BlockIndex: 1, BlockSize: 16384, Amount: 20},
	}
	if err := c.ValidateBatch(events, 30, false); err != nil {
		t.Fatalf("expected valid batch, got %v", err)
	}
	if err := c.ValidateBatch(events, 31, false); err == nil {
		t.Fatal("expected total mismatch error")
	}

	mixed := append([]ValidatableEvent{}, events...)
	mixed[1].RecipientAddress = fixtureAddress(18)
	if err := c.ValidateBatch(mixed, 30, false); err == nil {
		t.Fatal("expected recipient mismatch error for non-mixed batch")
	}
	if err := c.ValidateBatch(mixed, 30, true); err != nil {
		t.Fatalf("expected mixed batch to tolerate distinct recipients, got %v", err)
	}
}

func TestValidateRejectsOutOfRangeAmount(t *testing.T) {
	c := testComposer()
	e := ValidatableEvent{
		ContentHash:      "aa0000000000000000000000000000000000000a",
		RecipientAddress: fixtureAddress(19),
		BlockSize:        16384,
		Amount:           10_000_000,
	}
	if err := c.Validate(e); err == nil {
		t.Fatal("expected amount-out-of-range error")
	}
}
