package script

import (
	"bytes"
	"crypto/sha256"

	"github.com/mr-tron/base58"

	"github.com/bsv-streaming/micropay/internal/model"
)

// hash160Len is the length of a standard public-key-hash payload.
const hash160Len = 20

// addressPayloadLen is 1 version byte + hash160Len + 4 checksum bytes.
const addressPayloadLen = 1 + hash160Len + 4

// DecodeAddress base58check-decodes addr, verifying its double-SHA-256
// checksum, and returns the version byte and the 20-byte hash it commits
// to. Spec §6: "Address: base58-check; the Composer rejects anything
// else."
func DecodeAddress(addr model.Address) (version byte, hash [hash160Len]byte, err error) {
	raw := base58.Decode(string(addr))
	if len(raw) != addressPayloadLen {
		return 0, hash, model.New(model.KindInvalidParams, "script.DecodeAddress", nil)
	}
	payload := raw[:hash160Len+1]
	checksum := raw[hash160Len+1:]
	sum := doubleSHA256(payload)
	if !bytes.Equal(checksum, sum[:4]) {
		return 0, hash, model.New(model.KindInvalidParams, "script.DecodeAddress", nil)
	}
	version = payload[0]
	copy(hash[:], payload[1:])
	return version, hash, nil
}

// EncodeAddress is the inverse of DecodeAddress, used by tests to build
// well-formed fixture addresses without hand-computing checksums.
func EncodeAddress(version byte, hash [hash160Len]byte) model.Address {
	payload := append([]byte{version}, hash[:]...)
	sum := doubleSHA256(payload)
	full := append(payload, sum[:4]...)
	return model.Address(base58.Encode(full))
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
