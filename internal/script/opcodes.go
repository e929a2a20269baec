package script

// Script opcodes, named the way btcsuite/btcd's txscript package names
// them. Only the handful this Composer actually emits are declared.
const (
	opDup           byte = 0x76
	opHash160       byte = 0xa9
	opEqual         byte = 0x87
	opEqualVerify   byte = 0x88
	opCheckSig      byte = 0xac
	opCheckSigVerify byte = 0xad
	opReturn        byte = 0x6a
	opDrop          byte = 0x75
	opCheckLockTimeVerify byte = 0xb1
	opIf            byte = 0x63
	opElse          byte = 0x67
	opEndIf         byte = 0x68
	op1             byte = 0x51
)

// pushData appends a length-prefixed data push, using the single-byte
// direct-push form (valid for payloads up to 75 bytes, which covers every
// hash and field this Composer embeds).
func pushData(buf []byte, data []byte) []byte {
	if len(data) > 75 {
		// Never reached by this Composer's fixed-width fields (hashes,
		// 8-byte amounts, 8-byte timestamps); guards against silent
		// truncation if that ever changes.
		n := len(data)
		buf = append(buf, 0x4c, byte(n))
		return append(buf, data...)
	}
	buf = append(buf, byte(len(data)))
	return append(buf, data...)
}

// pushUint64 embeds a fixed-width 8-byte big-endian value, used for
// amounts, block indices, and unix timestamps baked into streaming and
// timelocked scripts.
func pushUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return pushData(buf, b[:])
}

// p2pkhLock builds a standard pay-to-pubkey-hash locking script for the
// given hash160.
func p2pkhLock(hash [hash160Len]byte) []byte {
	buf := make([]byte, 0, 2+1+hash160Len+2)
	buf = append(buf, opDup, opHash160)
	buf = pushData(buf, hash[:])
	buf = append(buf, opEqualVerify, opCheckSig)
	return buf
}

// dualControlLock requires a valid signature from both hashA and hashB,
// in that order: a simple two-party AND of two P2PKH-style checks, used
// wherever an escrow path needs exactly two co-signers.
func dualControlLock(hashA, hashB [hash160Len]byte) []byte {
	buf := make([]byte, 0, 2*(3+hash160Len)+1)
	buf = append(buf, opDup, opHash160)
	buf = pushData(buf, hashA[:])
	buf = append(buf, opEqualVerify, opCheckSigVerify)
	buf = append(buf, opDup, opHash160)
	buf = pushData(buf, hashB[:])
	buf = append(buf, opEqualVerify, opCheckSig)
	return buf
}

// varintLen reports the CompactSize encoding length of n.
func varintLen(n int) int {
	switch {
	case n < 0xfd:
		return 1
	case n <= 0xffff:
		return 3
	case n <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// envelopeLength is the on-wire size of an output carrying script: 8
// bytes value + a CompactSize script length + the script itself.
func envelopeLength(lockingScript []byte) int {
	return 8 + varintLen(len(lockingScript)) + len(lockingScript)
}
