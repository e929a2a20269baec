package script

import "github.com/bsv-streaming/micropay/internal/model"

// ValidatableEvent is the minimal shape Validate and ValidateBatch check;
// distinct from model.PaymentEvent because validation here is concerned
// with the on-chain recipient, which the Batcher's event type does not
// carry.
type ValidatableEvent struct {
	ContentHash      model.ContentHash
	RecipientAddress model.Address
	BlockIndex       uint64
	BlockSize        uint64
	Amount           uint64
}

// Validate performs the pure per-event checks spec §4.4 lists: hash
// format, address parseability, block-size > 0, amount within
// [min, max]. block-index >= 0 is implied by its uint64 type.
func (c *Composer) Validate(e ValidatableEvent) error {
	const op = "script.Validate"
	if !e.ContentHash.Valid() {
		return model.New(model.KindInvalidParams, op, nil)
	}
	if _, _, err := DecodeAddress(e.RecipientAddress); err != nil {
		return model.New(model.KindInvalidParams, op, err)
	}
	if e.BlockSize == 0 {
		return model.New(model.KindInvalidParams, op, nil)
	}
	if e.Amount < c.cfg.MinPaymentAmount || e.Amount > c.cfg.MaxPaymentAmount {
		return model.New(model.KindInvalidParams, op, nil)
	}
	return nil
}

// ValidateBatch checks every entry with Validate, verifies declaredTotal
// equals the sum of amounts, and — unless mixed is true — that every
// entry names the same recipient.
func (c *Composer) ValidateBatch(events []ValidatableEvent, declaredTotal uint64, mixed bool) error {
	const op = "script.ValidateBatch"
	if len(events) == 0 {
		return model.New(model.KindInvalidParams, op, nil)
	}
	var sum uint64
	recipient := events[0].RecipientAddress
	for _, e := range events {
		if err := c.Validate(e); err != nil {
			return err
		}
		sum += e.Amount
		if !mixed && e.RecipientAddress != recipient {
			return model.New(model.KindInvalidParams, op, nil)
		}
	}
	if sum != declaredTotal {
		return model.New(model.KindInvalidParams, op, nil)
	}
	return nil
}
