// Package script implements the Payment Script Composer (spec §4.4):
// deterministic construction of locking/unlocking artifacts and their
// validation. Grounded on the teacher's escrow.go and
// governance_timelock.go for the escrow and timelock shapes
// (generalized from module-account transfers into locking-script
// artifacts), and on btcsuite/btcd-style opcode naming for the script
// bytes themselves.
package script

import (
	"math"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/bsv-streaming/micropay/internal/model"
)

// Config holds the composer's tunables, matching spec §6's table
// entries for fee rate and payment clamps.
type Config struct {
	FeeRatePerByte          float64
	MinPaymentAmount        uint64
	MaxPaymentAmount        uint64
	EarlyWithdrawPenaltyBps uint64 // basis points, e.g. 500 = 5%
}

// Composer implements spec §4.4's compose/validate operations.
type Composer struct {
	cfg Config
}

// NewComposer constructs a Composer.
func NewComposer(cfg Config) *Composer {
	return &Composer{cfg: cfg}
}

// PayeeAmount pairs a recipient address with a satoshi amount, the unit
// compose-batch and compose-mixed-batch operate on.
type PayeeAmount struct {
	Address model.Address
	Amount  uint64
}

func (c *Composer) finish(lockingScript []byte, unlock func([]byte, int) ([]byte, error)) model.ScriptArtifact {
	length := envelopeLength(lockingScript)
	fee := uint64(math.Ceil(float64(length) * c.cfg.FeeRatePerByte))
	return model.ScriptArtifact{
		LockingBytes:    lockingScript,
		EstimatedLength: length,
		EstimatedFee:    fee,
		UnlockTemplate:  unlock,
	}
}

// ComposeP2PKH builds a standard single-payee lock. Fails with
// InvalidParams on an unparseable address or a zero amount.
func (c *Composer) ComposeP2PKH(recipient model.Address, amount uint64) (model.ScriptArtifact, error) {
	const op = "script.ComposeP2PKH"
	if amount == 0 {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, nil)
	}
	_, hash, err := DecodeAddress(recipient)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}
	return c.finish(p2pkhLock(hash), nil), nil
}

// ComposeBatch builds one output whose value is the sum of every
// PayeeAmount's amount; every entry must name the same recipient.
func (c *Composer) ComposeBatch(recipient model.Address, events []PayeeAmount) (model.ScriptArtifact, error) {
	const op = "script.ComposeBatch"
	if len(events) == 0 {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, nil)
	}
	var total uint64
	for _, e := range events {
		if e.Address != recipient {
			return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, nil)
		}
		total += e.Amount
	}
	return c.ComposeP2PKH(recipient, total)
}

// ComposeMixedBatch groups events by recipient and returns one artifact
// per group.
func (c *Composer) ComposeMixedBatch(events []PayeeAmount) (map[model.Address]model.ScriptArtifact, error) {
	const op = "script.ComposeMixedBatch"
	if len(events) == 0 {
		return nil, model.New(model.KindInvalidParams, op, nil)
	}
	totals := make(map[model.Address]uint64)
	order := make([]model.Address, 0)
	for _, e := range events {
		if _, seen := totals[e.Address]; !seen {
			order = append(order, e.Address)
		}
		totals[e.Address] += e.Amount
	}
	out := make(map[model.Address]model.ScriptArtifact, len(order))
	for _, addr := range order {
		artifact, err := c.ComposeP2PKH(addr, totals[addr])
		if err != nil {
			return nil, err
		}
		out[addr] = artifact
	}
	return out, nil
}

// ComposeSettlement builds a two-output artifact splitting a channel's
// final balances between the local and remote payout addresses,
// skipping either side that settled to zero.
func (c *Composer) ComposeSettlement(local, remote PayeeAmount) (model.ScriptArtifact, error) {
	const op = "script.ComposeSettlement"
	if local.Amount == 0 && remote.Amount == 0 {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, nil)
	}
	if local.Amount == 0 {
		return c.ComposeP2PKH(remote.Address, remote.Amount)
	}
	if remote.Amount == 0 {
		return c.ComposeP2PKH(local.Address, local.Amount)
	}
	_, localHash, err := DecodeAddress(local.Address)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}
	_, remoteHash, err := DecodeAddress(remote.Address)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}
	// Two independent P2PKH locks concatenated; each output is redeemed
	// separately by its own payee, so this is not a dual-control lock.
	buf := make([]byte, 0, 2*len(p2pkhLock(localHash)))
	buf = append(buf, p2pkhLock(localHash)...)
	buf = append(buf, p2pkhLock(remoteHash)...)
	return c.finish(buf, nil), nil
}

// StreamingLockParams parametrizes ComposeStreamingLock.
type StreamingLockParams struct {
	ContentHash      model.ContentHash
	RecipientAddress model.Address
	BlockIndex       uint64
	PerBlockAmount   uint64
}

// ComposeStreamingLock embeds the per-block amount, block index, and
// recipient hash so the output is only satisfiable in a way that proves
// the expected progression (a later redemption must present a
// monotonically increasing block index, enforced by the Channel
// Manager's Ch-Monotonic invariant rather than by the script itself,
// since this engine does not execute scripts).
func (c *Composer) ComposeStreamingLock(p StreamingLockParams) (model.ScriptArtifact, error) {
	const op = "script.ComposeStreamingLock"
	if !p.ContentHash.Valid() {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, nil)
	}
	if p.PerBlockAmount == 0 {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, nil)
	}
	_, hash, err := DecodeAddress(p.RecipientAddress)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}
	buf := make([]byte, 0, 64)
	buf = pushData(buf, []byte(p.ContentHash))
	buf = append(buf, opDrop)
	buf = pushUint64(buf, p.BlockIndex)
	buf = append(buf, opDrop)
	buf = pushUint64(buf, p.PerBlockAmount)
	buf = append(buf, opDrop)
	buf = append(buf, p2pkhLock(hash)...)
	return c.finish(buf, nil), nil
}

// TimelockedLockParams parametrizes ComposeTimelockedLock.
type TimelockedLockParams struct {
	RecipientAddress     model.Address
	Amount               uint64
	UnlockAt             time.Time
	EarlyWithdrawAddress model.Address
}

// ComposeTimelockedLock builds a lock spendable by RecipientAddress only
// after UnlockAt, with an early-withdraw branch paying
// EarlyWithdrawAddress the amount minus cfg.EarlyWithdrawPenaltyBps.
func (c *Composer) ComposeTimelockedLock(p TimelockedLockParams) (model.ScriptArtifact, error) {
	const op = "script.ComposeTimelockedLock"
	if p.Amount == 0 {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, nil)
	}
	_, recipientHash, err := DecodeAddress(p.RecipientAddress)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}
	_, earlyHash, err := DecodeAddress(p.EarlyWithdrawAddress)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}

	matureBranch := make([]byte, 0, 16)
	matureBranch = pushUint64(matureBranch, uint64(p.UnlockAt.Unix()))
	matureBranch = append(matureBranch, opCheckLockTimeVerify, opDrop)
	matureBranch = append(matureBranch, p2pkhLock(recipientHash)...)

	earlyBranch := p2pkhLock(earlyHash)

	buf := make([]byte, 0, len(matureBranch)+len(earlyBranch)+3)
	buf = append(buf, opIf)
	buf = append(buf, matureBranch...)
	buf = append(buf, opElse)
	buf = append(buf, earlyBranch...)
	buf = append(buf, opEndIf)

	penaltyAmount := p.Amount - (p.Amount*c.cfg.EarlyWithdrawPenaltyBps)/10000
	artifact := c.finish(buf, nil)
	artifact.UnlockTemplate = func(_ []byte, _ int) ([]byte, error) {
		// The early-withdraw path pays penaltyAmount; the Signer
		// collaborator still produces the actual signature, so this
		// template only documents which branch and amount apply.
		return pushUint64(nil, penaltyAmount), nil
	}
	return artifact, nil
}

// EscrowParams parametrizes ComposeEscrowLock. MediatorPublicKey is
// validated with btcec before any script is built; it is not embedded in
// the lock, whose dispute branch checks the mediator's address hash.
type EscrowParams struct {
	PayerAddress      model.Address
	PayeeAddress      model.Address
	MediatorAddress   model.Address
	MediatorPublicKey []byte
	RefundDeadline    time.Time
}

// ComposeEscrowLock builds a multi-party lock with three unlock paths:
// mutual completion (payer+payee), timeout refund (payer+mediator, after
// RefundDeadline), and dispute resolution, which requires the mediator's
// signature alone; the lock neither names nor checks a winner.
func (c *Composer) ComposeEscrowLock(p EscrowParams) (model.ScriptArtifact, error) {
	const op = "script.ComposeEscrowLock"
	if _, err := btcec.ParsePubKey(p.MediatorPublicKey); err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}
	_, payerHash, err := DecodeAddress(p.PayerAddress)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}
	_, payeeHash, err := DecodeAddress(p.PayeeAddress)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}
	_, mediatorHash, err := DecodeAddress(p.MediatorAddress)
	if err != nil {
		return model.ScriptArtifact{}, model.New(model.KindInvalidParams, op, err)
	}

	mutual := dualControlLock(payerHash, payeeHash)

	timeoutRefund := make([]byte, 0, 16+len(dualControlLock(payerHash, mediatorHash)))
	timeoutRefund = pushUint64(timeoutRefund, uint64(p.RefundDeadline.Unix()))
	timeoutRefund = append(timeoutRefund, opCheckLockTimeVerify, opDrop)
	timeoutRefund = append(timeoutRefund, dualControlLock(payerHash, mediatorHash)...)

	// The dispute branch is a plain P2PKH lock to the mediator: one
	// signature, no second party.
	disputeBranch := p2pkhLock(mediatorHash)

	buf := make([]byte, 0, len(mutual)+len(timeoutRefund)+len(disputeBranch)+5)
	buf = append(buf, opIf)
	buf = append(buf, mutual...)
	buf = append(buf, opElse, opIf)
	buf = append(buf, timeoutRefund...)
	buf = append(buf, opElse)
	buf = append(buf, disputeBranch...)
	buf = append(buf, opEndIf, opEndIf)

	return c.finish(buf, nil), nil
}
