package sha256x

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// MessageHasher hashes a complete message.
type MessageHasher interface {
	Sum256(data []byte) [32]byte
}

// OffsetHasher is a MessageHasher whose round numbering can be shifted, so a
// second hash pass can continue the numbering of the first.
type OffsetHasher interface {
	MessageHasher
	WithRoundOffset(offset int) MessageHasher
}

// RoundHasher exposes the compression stages individually. Round takes an
// absolute round index; the constant used is K[index % 64].
type RoundHasher interface {
	MessageHasher
	ProcessBlock(block *[BlockSize]byte) State
	ExpandMessage(w *[Rounds]uint32)
	ExpandMessageFrom(w *[Rounds]uint32, from int)
	Round(index int, w uint32, prev State) State
	Finalize(s, base State) State
}

var (
	_ RoundHasher   = (*Engine)(nil)
	_ OffsetHasher  = (*Engine)(nil)
	_ MessageHasher = Standard{}
)

// Tracer observes every round an Engine runs: the absolute round index, the
// schedule word and the resulting state.
type Tracer func(index int, w uint32, s State)

// Engine runs SHA-256 through the round-level stages.
type Engine struct {
	offset int
	tracer Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithRoundOffset numbers the first round of a message as offset instead of
// zero. Negative offsets are treated as zero.
func WithRoundOffset(offset int) Option {
	return func(e *Engine) {
		e.offset = max(offset, 0)
	}
}

// WithTracer installs a per-round observer.
func WithTracer(t Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// NewEngine returns an Engine with the given options applied.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RoundOffset returns the index assigned to the first round of a message.
func (e *Engine) RoundOffset() int {
	return e.offset
}

// WithRoundOffset returns a copy of e numbering rounds from offset.
func (e *Engine) WithRoundOffset(offset int) MessageHasher {
	c := *e
	WithRoundOffset(offset)(&c)
	return &c
}

// Round runs round index. Indices keep counting across chained blocks, so
// block i of a message starting at offset o uses o+64*i .. o+64*i+63.
func (e *Engine) Round(index int, w uint32, prev State) State {
	s := Round(w, K[index%Rounds], prev)
	if e.tracer != nil {
		e.tracer(index, w, s)
	}
	return s
}

// ExpandMessage fills w[16:64].
func (e *Engine) ExpandMessage(w *[Rounds]uint32) {
	ExpandMessage(w)
}

// ExpandMessageFrom recomputes w[from:64].
func (e *Engine) ExpandMessageFrom(w *[Rounds]uint32, from int) {
	ExpandMessageFrom(w, from)
}

// Finalize adds base into s.
func (e *Engine) Finalize(s, base State) State {
	return Finalize(s, base)
}

// ProcessBlock compresses one block from InitialState using rounds
// offset..offset+63.
func (e *Engine) ProcessBlock(block *[BlockSize]byte) State {
	return e.Compress(InitialState, block[:], e.offset)
}

// Compress runs one block on top of base, numbering rounds from index, and
// finalizes against base.
func (e *Engine) Compress(base State, block []byte, index int) State {
	var w [Rounds]uint32
	words := BlockWords(block)
	copy(w[:16], words[:])
	ExpandMessage(&w)

	s := base
	for i := range Rounds {
		s = e.Round(index+i, w[i], s)
	}
	return Finalize(s, base)
}

// Sum256 hashes data, padding it per FIPS 180-3.
func (e *Engine) Sum256(data []byte) [32]byte {
	padded := Pad(data)
	s := InitialState
	for i := 0; i < len(padded); i += BlockSize {
		s = e.Compress(s, padded[i:i+BlockSize], e.offset+(i/BlockSize)*Rounds)
	}
	return s.Bytes()
}

// Pad returns data followed by the 0x80 marker, zero fill and the 64-bit
// big-endian bit length, a whole number of blocks long.
func Pad(data []byte) []byte {
	n := len(data) + 1 + 8
	n += (BlockSize - n%BlockSize) % BlockSize

	out := make([]byte, n)
	copy(out, data)
	out[len(data)] = 0x80
	binary.BigEndian.PutUint64(out[n-8:], uint64(len(data))*8)
	return out
}

// Standard is the default whole-message backend, btcd's chainhash (and so
// crypto/sha256) underneath.
type Standard struct{}

// Sum256 returns the SHA-256 digest of data.
func (Standard) Sum256(data []byte) [32]byte {
	return chainhash.HashH(data)
}
