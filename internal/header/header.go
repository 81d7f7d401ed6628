// Package header models the 80-byte Bitcoin block header.
//
// A Header tracks which fields have been set. Serialization and hashing
// require all six hashed fields (version, previous block, merkle root,
// time, bits and nonce); height and hash are informational.
package header

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cockroachdb/apd/v3"

	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/pkg/errors"
)

// Size is the serialized header length.
const Size = 80

// DefaultVersion is used when Params.Version is nil.
const DefaultVersion int32 = 1

type field uint8

const (
	fieldVersion field = 1 << iota
	fieldPrevBlock
	fieldMerkleRoot
	fieldTime
	fieldBits
	fieldNonce
	fieldHash

	hashedFields = fieldVersion | fieldPrevBlock | fieldMerkleRoot | fieldTime | fieldBits | fieldNonce
)

// Field names as they appear in bitcoind's getblock output.
const (
	KeyHeight     = "height"
	KeyVersion    = "version"
	KeyPrevBlock  = "previousblockhash"
	KeyMerkleRoot = "merkleroot"
	KeyTime       = "time"
	KeyBits       = "bits"
	KeyDifficulty = "difficulty"
	KeyNonce      = "nonce"
	KeyHash       = "hash"
)

var fieldNames = []struct {
	f    field
	name string
}{
	{fieldVersion, KeyVersion},
	{fieldPrevBlock, KeyPrevBlock},
	{fieldMerkleRoot, KeyMerkleRoot},
	{fieldTime, KeyTime},
	{fieldBits, KeyBits},
	{fieldNonce, KeyNonce},
}

// Header is a block header with optional fields.
type Header struct {
	set field

	height     *int64
	version    int32
	prevBlock  chainhash.Hash
	merkleRoot chainhash.Hash
	timestamp  time.Time
	bits       compact.Bits
	nonce      uint32
	hash       chainhash.Hash
}

// Params are the construction arguments for New. Nil fields stay unset,
// except Version which defaults to 1. Bits and Difficulty are mutually
// exclusive.
type Params struct {
	Height     *int64
	Version    *int32
	PrevBlock  *chainhash.Hash
	MerkleRoot *chainhash.Hash
	Time       *time.Time
	Bits       *compact.Bits
	Difficulty *apd.Decimal
	Nonce      *uint32
	Hash       *chainhash.Hash
}

// New builds a header from p. conv is used only when p.Difficulty is set;
// nil means compact.DefaultConverter.
func New(p Params, conv *compact.Converter) (*Header, error) {
	if p.Bits != nil && p.Difficulty != nil {
		return nil, errors.New(errors.ErrorTypeValidation, "new_header",
			"bits and difficulty are mutually exclusive")
	}

	h := &Header{}
	if p.Height != nil {
		h.SetHeight(*p.Height)
	}
	version := DefaultVersion
	if p.Version != nil {
		version = *p.Version
	}
	h.SetVersion(version)
	if p.PrevBlock != nil {
		h.SetPrevBlock(*p.PrevBlock)
	}
	if p.MerkleRoot != nil {
		h.SetMerkleRoot(*p.MerkleRoot)
	}
	if p.Time != nil {
		h.SetTime(*p.Time)
	}
	if p.Bits != nil {
		h.SetBits(*p.Bits)
	}
	if p.Difficulty != nil {
		if err := h.SetDifficulty(p.Difficulty, conv); err != nil {
			return nil, err
		}
	}
	if p.Nonce != nil {
		h.SetNonce(*p.Nonce)
	}
	if p.Hash != nil {
		h.hash = *p.Hash
		h.set |= fieldHash
	}
	return h, nil
}

func (h *Header) has(f field) bool {
	return h.set&f == f
}

// Height returns the block height, if known.
func (h *Header) Height() (int64, bool) {
	if h.height == nil {
		return 0, false
	}
	return *h.height, true
}

// SetHeight records the block height. It is not part of the hashed bytes.
func (h *Header) SetHeight(height int64) {
	h.height = &height
}

// Version returns the block version and whether it is set.
func (h *Header) Version() (int32, bool) {
	return h.version, h.has(fieldVersion)
}

// SetVersion sets the block version.
func (h *Header) SetVersion(v int32) {
	h.version = v
	h.set |= fieldVersion
}

// PrevBlock returns the previous block hash in internal byte order.
func (h *Header) PrevBlock() (chainhash.Hash, bool) {
	return h.prevBlock, h.has(fieldPrevBlock)
}

// SetPrevBlock sets the previous block hash.
func (h *Header) SetPrevBlock(hash chainhash.Hash) {
	h.prevBlock = hash
	h.set |= fieldPrevBlock
}

// MerkleRoot returns the merkle root in internal byte order.
func (h *Header) MerkleRoot() (chainhash.Hash, bool) {
	return h.merkleRoot, h.has(fieldMerkleRoot)
}

// SetMerkleRoot sets the merkle root.
func (h *Header) SetMerkleRoot(hash chainhash.Hash) {
	h.merkleRoot = hash
	h.set |= fieldMerkleRoot
}

// Time returns the header timestamp.
func (h *Header) Time() (time.Time, bool) {
	return h.timestamp, h.has(fieldTime)
}

// SetTime sets the header time. Only whole seconds are hashed.
func (h *Header) SetTime(t time.Time) {
	h.timestamp = t.Truncate(time.Second)
	h.set |= fieldTime
}

// Bits returns the compact target.
func (h *Header) Bits() (compact.Bits, bool) {
	return h.bits, h.has(fieldBits)
}

// SetBits sets the compact target. The stored hash is kept.
func (h *Header) SetBits(b compact.Bits) {
	h.bits = b
	h.set |= fieldBits
}

// Target returns the target encoded by the header's bits.
func (h *Header) Target() (*big.Int, bool) {
	if !h.has(fieldBits) {
		return nil, false
	}
	return h.bits.Target(), true
}

// Difficulty derives the difficulty from bits.
func (h *Header) Difficulty(conv *compact.Converter) (*apd.Decimal, error) {
	if !h.has(fieldBits) {
		return nil, errors.New(errors.ErrorTypeIncompleteHeader, "difficulty", "bits not set").
			WithContext("missing", []string{KeyBits})
	}
	return converter(conv).BitsToDifficulty(h.bits)
}

// SetDifficulty sets bits to the compact target for difficulty.
func (h *Header) SetDifficulty(difficulty *apd.Decimal, conv *compact.Converter) error {
	bits, err := converter(conv).DifficultyToBits(difficulty)
	if err != nil {
		return err
	}
	h.SetBits(bits)
	return nil
}

// Nonce returns the nonce and whether it is set.
func (h *Header) Nonce() (uint32, bool) {
	return h.nonce, h.has(fieldNonce)
}

// SetNonce sets the nonce. The stored hash is kept.
func (h *Header) SetNonce(n uint32) {
	h.nonce = n
	h.set |= fieldNonce
}

// Hash returns the last observed hash. It is only set by CalculateHash,
// by a search result or at construction.
func (h *Header) Hash() (chainhash.Hash, bool) {
	return h.hash, h.has(fieldHash)
}

// Missing lists the hashed fields that are not set, in wire order.
func (h *Header) Missing() []string {
	var missing []string
	for _, fn := range fieldNames {
		if !h.has(fn.f) {
			missing = append(missing, fn.name)
		}
	}
	return missing
}

// Complete returns an IncompleteHeader error naming the missing fields.
func (h *Header) Complete() error {
	if h.has(hashedFields) {
		return nil
	}
	missing := h.Missing()
	return errors.Newf(errors.ErrorTypeIncompleteHeader, "complete",
		"missing %s", strings.Join(missing, ", ")).WithContext("missing", missing)
}

// Clone returns an independent copy.
func (h *Header) Clone() *Header {
	c := *h
	if h.height != nil {
		height := *h.height
		c.height = &height
	}
	return &c
}

// WithSolution returns a copy carrying nonce and its observed hash.
func (h *Header) WithSolution(nonce uint32, hash chainhash.Hash) *Header {
	c := h.Clone()
	c.SetNonce(nonce)
	c.hash = hash
	c.set |= fieldHash
	return c
}

// String lists the set fields.
func (h *Header) String() string {
	var parts []string
	if height, ok := h.Height(); ok {
		parts = append(parts, fmt.Sprintf("%s=%d", KeyHeight, height))
	}
	if v, ok := h.Version(); ok {
		parts = append(parts, fmt.Sprintf("%s=%d", KeyVersion, v))
	}
	if p, ok := h.PrevBlock(); ok {
		parts = append(parts, fmt.Sprintf("%s=%s", KeyPrevBlock, p))
	}
	if m, ok := h.MerkleRoot(); ok {
		parts = append(parts, fmt.Sprintf("%s=%s", KeyMerkleRoot, m))
	}
	if t, ok := h.Time(); ok {
		parts = append(parts, fmt.Sprintf("%s=%s", KeyTime, t.UTC().Format(time.RFC3339)))
	}
	if b, ok := h.Bits(); ok {
		parts = append(parts, fmt.Sprintf("%s=%s", KeyBits, b))
	}
	if n, ok := h.Nonce(); ok {
		parts = append(parts, fmt.Sprintf("%s=%d", KeyNonce, n))
	}
	if hash, ok := h.Hash(); ok {
		parts = append(parts, fmt.Sprintf("%s=%s", KeyHash, hash))
	}
	return "Header(" + strings.Join(parts, ", ") + ")"
}

func converter(conv *compact.Converter) *compact.Converter {
	if conv == nil {
		return compact.DefaultConverter
	}
	return conv
}
