// Package sha256x is a round-addressable SHA-256.
//
// Instead of one opaque digest call it exposes the compression function's
// stages (message expansion, single rounds, finalization) so callers can
// cache a midstate and resume a computation at any round. Engine wraps the
// stages into a whole-message hasher whose round numbering can be traced.
package sha256x

import (
	"encoding/binary"
	"math/bits"
)

// BlockSize is the SHA-256 block size in bytes.
const BlockSize = 64

// Rounds is the number of compression rounds per block.
const Rounds = 64

// K holds the FIPS 180-3 round constants.
var K = [Rounds]uint32{
	0x428a2f98, 0x71374491, 0xb5c0fbcf, 0xe9b5dba5, 0x3956c25b, 0x59f111f1, 0x923f82a4, 0xab1c5ed5,
	0xd807aa98, 0x12835b01, 0x243185be, 0x550c7dc3, 0x72be5d74, 0x80deb1fe, 0x9bdc06a7, 0xc19bf174,
	0xe49b69c1, 0xefbe4786, 0x0fc19dc6, 0x240ca1cc, 0x2de92c6f, 0x4a7484aa, 0x5cb0a9dc, 0x76f988da,
	0x983e5152, 0xa831c66d, 0xb00327c8, 0xbf597fc7, 0xc6e00bf3, 0xd5a79147, 0x06ca6351, 0x14292967,
	0x27b70a85, 0x2e1b2138, 0x4d2c6dfc, 0x53380d13, 0x650a7354, 0x766a0abb, 0x81c2c92e, 0x92722c85,
	0xa2bfe8a1, 0xa81a664b, 0xc24b8b70, 0xc76c51a3, 0xd192e819, 0xd6990624, 0xf40e3585, 0x106aa070,
	0x19a4c116, 0x1e376c08, 0x2748774c, 0x34b0bcb5, 0x391c0cb3, 0x4ed8aa4a, 0x5b9cca4f, 0x682e6ff3,
	0x748f82ee, 0x78a5636f, 0x84c87814, 0x8cc70208, 0x90befffa, 0xa4506ceb, 0xbef9a3f7, 0xc67178f2,
}

// InitialState is the FIPS 180-3 initial hash value.
var InitialState = State{
	A: 0x6a09e667, B: 0xbb67ae85, C: 0x3c6ef372, D: 0xa54ff53a,
	E: 0x510e527f, F: 0x9b05688c, G: 0x1f83d9ab, H: 0x5be0cd19,
}

// State is the eight working registers a..h. It is a plain value: every
// stage returns a new State and never modifies its input.
type State struct {
	A, B, C, D, E, F, G, H uint32
}

// StateFromWords builds a State from registers in a..h order.
func StateFromWords(w [8]uint32) State {
	return State{A: w[0], B: w[1], C: w[2], D: w[3], E: w[4], F: w[5], G: w[6], H: w[7]}
}

// Words returns the registers in a..h order.
func (s State) Words() [8]uint32 {
	return [8]uint32{s.A, s.B, s.C, s.D, s.E, s.F, s.G, s.H}
}

// Bytes serializes a finalized state as a big-endian digest.
func (s State) Bytes() [32]byte {
	var out [32]byte
	for i, w := range s.Words() {
		binary.BigEndian.PutUint32(out[4*i:], w)
	}
	return out
}

func sigma0(x uint32) uint32 {
	return bits.RotateLeft32(x, -7) ^ bits.RotateLeft32(x, -18) ^ (x >> 3)
}

func sigma1(x uint32) uint32 {
	return bits.RotateLeft32(x, -17) ^ bits.RotateLeft32(x, -19) ^ (x >> 10)
}

func bigSigma0(x uint32) uint32 {
	return bits.RotateLeft32(x, -2) ^ bits.RotateLeft32(x, -13) ^ bits.RotateLeft32(x, -22)
}

func bigSigma1(x uint32) uint32 {
	return bits.RotateLeft32(x, -6) ^ bits.RotateLeft32(x, -11) ^ bits.RotateLeft32(x, -25)
}

func ch(x, y, z uint32) uint32 {
	return (x & y) ^ (^x & z)
}

func maj(x, y, z uint32) uint32 {
	return (x & y) ^ (x & z) ^ (y & z)
}

// Round runs one compression round with schedule word w and constant k.
func Round(w, k uint32, prev State) State {
	t1 := prev.H + bigSigma1(prev.E) + ch(prev.E, prev.F, prev.G) + k + w
	t2 := bigSigma0(prev.A) + maj(prev.A, prev.B, prev.C)
	return State{
		A: t1 + t2,
		B: prev.A,
		C: prev.B,
		D: prev.C,
		E: prev.D + t1,
		F: prev.E,
		G: prev.F,
		H: prev.G,
	}
}

// ExpandMessage fills w[16:64] from the block words in w[0:16].
func ExpandMessage(w *[Rounds]uint32) {
	ExpandMessageFrom(w, 16)
}

// ExpandMessageFrom recomputes only w[from:64]. Words below from must
// already be valid; from is clamped to 16.
func ExpandMessageFrom(w *[Rounds]uint32, from int) {
	for i := max(from, 16); i < Rounds; i++ {
		w[i] = w[i-16] + sigma0(w[i-15]) + w[i-7] + sigma1(w[i-2])
	}
}

// Finalize adds base into s lane by lane. Chained blocks pass the previous
// block's output as base; a single block uses InitialState.
func Finalize(s, base State) State {
	return State{
		A: s.A + base.A, B: s.B + base.B, C: s.C + base.C, D: s.D + base.D,
		E: s.E + base.E, F: s.F + base.F, G: s.G + base.G, H: s.H + base.H,
	}
}

// BlockWords loads a 64-byte block as sixteen big-endian words.
func BlockWords(block []byte) [16]uint32 {
	var w [16]uint32
	for i := range w {
		w[i] = binary.BigEndian.Uint32(block[4*i:])
	}
	return w
}

// ProcessBlock compresses one block starting from InitialState and
// finalizes it. Padding is the caller's job.
func ProcessBlock(block *[BlockSize]byte) State {
	var w [Rounds]uint32
	words := BlockWords(block[:])
	copy(w[:16], words[:])
	ExpandMessage(&w)

	s := InitialState
	for i := range Rounds {
		s = Round(w[i], K[i], s)
	}
	return Finalize(s, InitialState)
}
