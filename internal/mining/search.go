// Package mining searches the nonce space of a block header.
//
// The double SHA-256 of a header costs three compression blocks. Block A
// (header bytes 0..63) never depends on the nonce, and neither do the first
// three words of block B, so both are computed once per run. Each nonce
// then costs the remaining 61 rounds of block B plus at most one block for
// the second pass, which stops after round 61 unless the final hash can
// have its top 32 bits clear.
package mining

import (
	"context"
	"encoding/binary"
	"iter"
	"math"
	"math/big"
	"math/bits"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cockroachdb/apd/v3"

	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/sha256x"
	"github.com/bardlex/gomine/pkg/errors"
)

const (
	// nonceWord is the position of the nonce in block B's schedule.
	nonceWord = 3
	// earlyExitRound is the number of second-pass rounds run before the
	// e register is checked. Rounds 61..63 only shift e down to h.
	earlyExitRound = sha256x.Rounds - 3
	// cancelCheckInterval is how many nonces pass between context checks.
	cancelCheckInterval = 1 << 16
)

// Absolute round indices of the three compression blocks.
const (
	blockBOffset     = sha256x.Rounds
	secondPassOffset = header.SecondPassOffset
)

// earlyExitE is the value the e register must hold after round 60 of the
// second pass for the h lane to finalize to zero: -InitialState.H mod 2^32.
var earlyExitE = -sha256x.InitialState.H

// Stats summarizes one run over a nonce range.
type Stats struct {
	Start      uint32
	End        uint32
	Tried      uint64
	EarlyExits uint64
	Found      uint64
	Elapsed    time.Duration
	// Stopped is set when the run ended before End, because the consumer
	// stopped iterating or the context was done.
	Stopped bool
}

// HashRate returns nonces per second.
func (s Stats) HashRate() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Tried) / s.Elapsed.Seconds()
}

// Observer receives run statistics.
type Observer func(Stats)

// Options control a search.
type Options struct {
	// Start is the first nonce tried.
	Start uint32
	// End is the last nonce tried, inclusive. Nil means math.MaxUint32.
	End *uint32
	// Difficulty is the minimum difficulty of yielded headers and must be
	// at least 1. Nil means 1, which yields every difficulty-1 share.
	Difficulty *apd.Decimal
	// Hasher runs the rounds. Nil means a plain sha256x.Engine.
	Hasher sha256x.RoundHasher
	// Converter derives the target from Difficulty. Nil means
	// compact.DefaultConverter.
	Converter *compact.Converter
	// Observer, if set, is called once when each run ends.
	Observer Observer
	// Progress, if set, is called every ProgressInterval nonces.
	Progress         Observer
	ProgressInterval uint64
}

// Range returns Options covering [start, end].
func Range(start, end uint32) Options {
	return Options{Start: start, End: &end}
}

// FindNonces returns the headers in [opts.Start, opts.End] whose double
// SHA-256 is below the target for opts.Difficulty. Every field of h except
// the nonce must be set.
//
// The sequence is lazy: the midstates are computed when iteration begins,
// and each iteration is an independent run. Breaking out of the loop or
// cancelling ctx stops the run after the current nonce. An empty sequence
// is a normal outcome.
func FindNonces(ctx context.Context, h *header.Header, opts Options) (iter.Seq[*header.Header], error) {
	base := h.Clone()
	if _, ok := base.Nonce(); !ok {
		base.SetNonce(0)
	}
	if err := base.Complete(); err != nil {
		return nil, err
	}
	raw, err := base.Bytes()
	if err != nil {
		return nil, err
	}

	end := uint32(math.MaxUint32)
	if opts.End != nil {
		end = *opts.End
	}
	if opts.Start > end {
		return nil, errors.Newf(errors.ErrorTypeValidation, "find_nonces",
			"start %d is after end %d", opts.Start, end)
	}

	target, err := searchTarget(opts.Difficulty, opts.Converter)
	if err != nil {
		return nil, err
	}

	hasher := opts.Hasher
	if hasher == nil {
		hasher = sha256x.NewEngine()
	}

	return func(yield func(*header.Header) bool) {
		p := newPlan(hasher, raw, target)
		stats := Stats{Start: opts.Start, End: end}
		started := time.Now()
		defer func() {
			stats.Elapsed = time.Since(started)
			if opts.Observer != nil {
				opts.Observer(stats)
			}
		}()

		for nonce := opts.Start; ; nonce++ {
			if stats.Tried%cancelCheckInterval == 0 && stats.Tried > 0 && ctx.Err() != nil {
				stats.Stopped = true
				return
			}

			stats.Tried++
			hash, ok := p.try(nonce)
			switch {
			case !ok:
				stats.EarlyExits++
			case compact.HashToBig(hash).Cmp(p.target) < 0:
				stats.Found++
				if !yield(base.WithSolution(nonce, hash)) {
					stats.Stopped = nonce != end
					return
				}
			}

			if opts.Progress != nil && opts.ProgressInterval > 0 && stats.Tried%opts.ProgressInterval == 0 {
				snapshot := stats
				snapshot.Elapsed = time.Since(started)
				opts.Progress(snapshot)
			}
			if nonce == end {
				return
			}
		}
	}, nil
}

func searchTarget(difficulty *apd.Decimal, conv *compact.Converter) (*big.Int, error) {
	if difficulty == nil {
		return compact.MaxTarget(), nil
	}
	if difficulty.Cmp(apd.New(1, 0)) < 0 {
		// the round-61 check assumes the target is at most MAX_TARGET
		return nil, errors.New(errors.ErrorTypeValidation, "find_nonces",
			"difficulty must be at least 1").WithContext("difficulty", difficulty.String())
	}
	if conv == nil {
		conv = compact.DefaultConverter
	}
	return conv.DifficultyToTarget(difficulty)
}

// plan holds the nonce-invariant part of a run. It is not modified after
// newPlan returns apart from the scratch schedules.
type plan struct {
	hasher    sha256x.RoundHasher
	target    *big.Int
	midstate  sha256x.State
	midstate2 sha256x.State

	// block B schedule with words 0..2 and 4..17 filled in
	first [sha256x.Rounds]uint32
	// second-pass schedule with the padding words filled in
	second [sha256x.Rounds]uint32
}

func newPlan(hasher sha256x.RoundHasher, raw []byte, target *big.Int) *plan {
	p := &plan{hasher: hasher, target: target}

	var blockA [sha256x.BlockSize]byte
	copy(blockA[:], raw[:sha256x.BlockSize])
	p.midstate = hasher.ProcessBlock(&blockA)

	// Block B: merkle root tail, time, bits, nonce, then padding for an
	// 80-byte message.
	for i := range nonceWord {
		p.first[i] = binary.BigEndian.Uint32(raw[sha256x.BlockSize+4*i:])
	}
	p.first[nonceWord+1] = 0x80000000
	p.first[15] = header.Size * 8
	// words 16 and 17 do not read the nonce word
	hasher.ExpandMessageFrom(&p.first, 16)

	s := p.midstate
	for i := range nonceWord {
		s = hasher.Round(blockBOffset+i, p.first[i], s)
	}
	p.midstate2 = s

	p.second[8] = 0x80000000
	p.second[15] = chainhash.HashSize * 8
	return p
}

// try hashes the header with nonce. ok is false when the second pass was
// abandoned at the early-exit check, in which case the hash is unset.
func (p *plan) try(nonce uint32) (hash chainhash.Hash, ok bool) {
	digest := p.firstHash(nonce)
	final, ok := p.secondHash(digest)
	if !ok {
		return chainhash.Hash{}, false
	}
	return chainhash.Hash(final.Bytes()), true
}

// firstHash returns the finalized state of SHA-256(header with nonce).
func (p *plan) firstHash(nonce uint32) sha256x.State {
	// the nonce is little-endian on the wire, the schedule is big-endian
	p.first[nonceWord] = bits.ReverseBytes32(nonce)
	p.hasher.ExpandMessageFrom(&p.first, 18)

	s := p.midstate2
	for i := nonceWord; i < sha256x.Rounds; i++ {
		s = p.hasher.Round(blockBOffset+i, p.first[i], s)
	}
	return p.hasher.Finalize(s, p.midstate)
}

// secondHash hashes the 32-byte digest. It gives up after round 60 when
// the final h lane cannot be zero.
func (p *plan) secondHash(digest sha256x.State) (sha256x.State, bool) {
	words := digest.Words()
	copy(p.second[:8], words[:])
	p.hasher.ExpandMessage(&p.second)

	s := sha256x.InitialState
	for i := range earlyExitRound {
		s = p.hasher.Round(secondPassOffset+i, p.second[i], s)
	}
	if s.E != earlyExitE {
		return s, false
	}
	for i := earlyExitRound; i < sha256x.Rounds; i++ {
		s = p.hasher.Round(secondPassOffset+i, p.second[i], s)
	}
	return p.hasher.Finalize(s, sha256x.InitialState), true
}

// NaiveHash computes the double SHA-256 of h with nonce the direct way,
// through the whole-message hasher. It is the reference FindNonces is
// checked against.
func NaiveHash(h *header.Header, nonce uint32) (chainhash.Hash, error) {
	c := h.Clone()
	c.SetNonce(nonce)
	raw, err := c.Bytes()
	if err != nil {
		return chainhash.Hash{}, err
	}
	return header.DoubleHash(sha256x.Standard{}, raw), nil
}
