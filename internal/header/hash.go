package header

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/internal/sha256x"
	"github.com/bardlex/gomine/pkg/errors"
)

// SecondPassOffset is the round index the second SHA-256 pass of a header
// hash starts at: the first pass over the two header blocks uses 0..127.
const SecondPassOffset = 2 * sha256x.Rounds

// DoubleHash returns SHA-256(SHA-256(raw)) in chainhash byte order. An
// OffsetHasher numbers the second pass from SecondPassOffset.
func DoubleHash(hasher sha256x.MessageHasher, raw []byte) chainhash.Hash {
	if hasher == nil {
		hasher = sha256x.Standard{}
	}
	first := hasher.Sum256(raw)

	second := hasher
	if oh, ok := hasher.(sha256x.OffsetHasher); ok {
		second = oh.WithRoundOffset(SecondPassOffset)
	}
	return chainhash.Hash(second.Sum256(first[:]))
}

// CalculateHash double-hashes the header and checks the result against
// the target in bits. On success the hash is stored and returned. A hash
// above the target fails with InsufficientDifficulty and leaves the stored
// hash as it was. A nil hasher means sha256x.Standard.
func (h *Header) CalculateHash(hasher sha256x.MessageHasher) (chainhash.Hash, error) {
	raw, err := h.Bytes()
	if err != nil {
		return chainhash.Hash{}, err
	}

	hash := DoubleHash(hasher, raw)
	if !compact.HashMeetsTarget(hash, h.bits.Target()) {
		return chainhash.Hash{}, errors.New(errors.ErrorTypeInsufficientDifficulty, "calculate_hash",
			"hash is above target").
			WithContext("hash", hash.String()).
			WithContext("bits", h.bits.String())
	}

	h.hash = hash
	h.set |= fieldHash
	return hash, nil
}
