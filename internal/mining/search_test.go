package mining

import (
	"context"
	"crypto/sha256"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/sha256x"
	"github.com/bardlex/gomine/pkg/errors"
)

const genesisNonce = 2083236893

func genesis() *header.Header {
	return header.FromWire(&chaincfg.MainNetParams.GenesisBlock.Header)
}

func collect(t *testing.T, h *header.Header, opts Options) ([]*header.Header, Stats) {
	t.Helper()
	var stats Stats
	opts.Observer = func(s Stats) { stats = s }

	seq, err := FindNonces(context.Background(), h, opts)
	require.NoError(t, err)
	return slices.Collect(seq), stats
}

func TestEarlyExitConstant(t *testing.T) {
	assert.Equal(t, uint32(0xa41f32e7), earlyExitE)
	assert.Zero(t, earlyExitE+sha256x.InitialState.H)
}

func TestFindNonces_Genesis(t *testing.T) {
	opts := Range(genesisNonce-1, genesisNonce+1)
	found, stats := collect(t, genesis(), opts)

	require.Len(t, found, 1)
	nonce, _ := found[0].Nonce()
	assert.Equal(t, uint32(genesisNonce), nonce)
	hash, ok := found[0].Hash()
	require.True(t, ok)
	assert.Equal(t, *chaincfg.MainNetParams.GenesisHash, hash)

	assert.Equal(t, uint64(3), stats.Tried)
	assert.Equal(t, uint64(2), stats.EarlyExits)
	assert.Equal(t, uint64(1), stats.Found)
	assert.False(t, stats.Stopped)

	// the yielded header hashes the same way through CalculateHash
	got, err := found[0].Clone().CalculateHash(nil)
	require.NoError(t, err)
	assert.Equal(t, hash, got)
}

func TestFindNonces_MissingNonceIsFine(t *testing.T) {
	h := genesis()
	raw, err := h.Bytes()
	require.NoError(t, err)

	// rebuild without a nonce
	merkle, _ := h.MerkleRoot()
	prev, _ := h.PrevBlock()
	ts, _ := h.Time()
	bits, _ := h.Bits()
	bare, err := header.New(header.Params{PrevBlock: &prev, MerkleRoot: &merkle, Time: &ts, Bits: &bits}, nil)
	require.NoError(t, err)

	found, _ := collect(t, bare, Range(genesisNonce, genesisNonce))
	require.Len(t, found, 1)
	out, err := found[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestFindNonces_AgreesWithNaive(t *testing.T) {
	h := genesis()
	start, end := uint32(genesisNonce-5000), uint32(genesisNonce+4999)

	var want []uint32
	var passing uint64
	maxTarget := compact.MaxTarget()
	for n := start; n <= end; n++ {
		hash, err := NaiveHash(h, n)
		require.NoError(t, err)
		if hash[28] == 0 && hash[29] == 0 && hash[30] == 0 && hash[31] == 0 {
			passing++
		}
		if compact.HashToBig(hash).Cmp(maxTarget) < 0 {
			want = append(want, n)
		}
	}

	found, stats := collect(t, h, Range(start, end))
	var got []uint32
	for _, f := range found {
		n, _ := f.Nonce()
		got = append(got, n)

		hash, _ := f.Hash()
		naive, err := NaiveHash(h, n)
		require.NoError(t, err)
		assert.Equal(t, naive, hash)
	}

	assert.Equal(t, want, got)
	assert.Equal(t, uint64(10000), stats.Tried)
	assert.Equal(t, stats.Tried-passing, stats.EarlyExits, "every nonce whose top word is non-zero exits early")
}

func TestPlan_FirstHashMatchesSHA256(t *testing.T) {
	h := genesis()
	raw, err := h.Bytes()
	require.NoError(t, err)
	p := newPlan(sha256x.NewEngine(), raw, compact.MaxTarget())

	r := rand.New(rand.NewPCG(9, 9))
	for range 200 {
		n := r.Uint32()
		c := h.Clone()
		c.SetNonce(n)
		b, err := c.Bytes()
		require.NoError(t, err)

		first := sha256.Sum256(b)
		require.Equal(t, first, p.firstHash(n).Bytes(), "nonce %d", n)

		// whenever the early exit passes, the full hash is right
		hash, ok := p.try(n)
		naive := chainhash.DoubleHashH(b)
		if ok {
			require.Equal(t, naive, hash)
		} else {
			require.NotEqual(t, [4]byte{}, [4]byte(naive[28:32]))
		}
	}
}

func TestFindNonces_SingleNonceRange(t *testing.T) {
	for _, n := range []uint32{0, genesisNonce, genesisNonce + 1} {
		found, stats := collect(t, genesis(), Range(n, n))
		assert.LessOrEqual(t, len(found), 1)
		assert.Equal(t, uint64(1), stats.Tried)
		if len(found) == 1 {
			naive, err := NaiveHash(genesis(), n)
			require.NoError(t, err)
			got, _ := found[0].Hash()
			assert.Equal(t, naive, got)
		}
	}
}

func TestFindNonces_Difficulty(t *testing.T) {
	tests := []struct {
		difficulty string
		found      int
	}{
		{"1", 1},
		{"2000", 1},
		// genesis has difficulty ~2536.4
		{"3000", 0},
	}

	for _, tt := range tests {
		t.Run(tt.difficulty, func(t *testing.T) {
			d, err := compact.ParseDifficulty(tt.difficulty)
			require.NoError(t, err)
			opts := Range(genesisNonce, genesisNonce)
			opts.Difficulty = d

			found, stats := collect(t, genesis(), opts)
			assert.Len(t, found, tt.found)
			// the early exit only knows about difficulty 1
			assert.Zero(t, stats.EarlyExits)
		})
	}
}

func TestFindNonces_Invalid(t *testing.T) {
	ctx := context.Background()

	_, err := FindNonces(ctx, genesis(), Range(10, 9))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	low, err := compact.ParseDifficulty("0.5")
	require.NoError(t, err)
	opts := Range(0, 10)
	opts.Difficulty = low
	_, err = FindNonces(ctx, genesis(), opts)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	empty, err := header.New(header.Params{}, nil)
	require.NoError(t, err)
	_, err = FindNonces(ctx, empty, Range(0, 10))
	assert.ErrorIs(t, err, errors.ErrIncompleteHeader)
}

func TestFindNonces_TopOfRangeDoesNotWrap(t *testing.T) {
	found, stats := collect(t, genesis(), Range(0xfffffffe, 0xffffffff))
	assert.Empty(t, found)
	assert.Equal(t, uint64(2), stats.Tried)
	assert.Equal(t, uint32(0xffffffff), stats.End)
}

func TestFindNonces_Restartable(t *testing.T) {
	seq, err := FindNonces(context.Background(), genesis(), Range(genesisNonce-2, genesisNonce+2))
	require.NoError(t, err)

	first := slices.Collect(seq)
	second := slices.Collect(seq)
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.NotSame(t, first[0], second[0])
	assert.Equal(t, first[0].String(), second[0].String())
}

func TestFindNonces_StopEarly(t *testing.T) {
	var stats Stats
	opts := Range(genesisNonce, genesisNonce+100)
	opts.Observer = func(s Stats) { stats = s }

	seq, err := FindNonces(context.Background(), genesis(), opts)
	require.NoError(t, err)
	for range seq {
		break
	}

	assert.Equal(t, uint64(1), stats.Tried, "no work after the consumer stops")
	assert.True(t, stats.Stopped)
}

func TestFindNonces_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stats Stats
	opts := Options{Observer: func(s Stats) { stats = s }}
	seq, err := FindNonces(ctx, genesis(), opts)
	require.NoError(t, err)

	assert.Empty(t, slices.Collect(seq))
	assert.True(t, stats.Stopped)
	assert.Equal(t, uint64(cancelCheckInterval), stats.Tried)
}

func TestFindNonces_RoundNumbering(t *testing.T) {
	var indices []int
	e := sha256x.NewEngine(sha256x.WithTracer(func(index int, _ uint32, _ sha256x.State) {
		indices = append(indices, index)
	}))
	opts := Range(genesisNonce, genesisNonce)
	opts.Hasher = e

	found, _ := collect(t, genesis(), opts)
	require.Len(t, found, 1)

	// block A, then block B and the second pass, each numbered absolutely
	require.Len(t, indices, 3*sha256x.Rounds)
	assert.Equal(t, 0, indices[0])
	assert.Equal(t, 64, indices[64])
	assert.Equal(t, 127, indices[127])
	assert.Equal(t, 128, indices[128])
	assert.Equal(t, 191, indices[191])
}

func TestFindNonces_Progress(t *testing.T) {
	var calls []uint64
	opts := Range(0, 99)
	opts.Progress = func(s Stats) { calls = append(calls, s.Tried) }
	opts.ProgressInterval = 25

	_, stats := collect(t, genesis(), opts)
	assert.Equal(t, []uint64{25, 50, 75, 100}, calls)
	assert.Equal(t, uint64(100), stats.Tried)
	assert.Greater(t, stats.HashRate(), 0.0)
}

func BenchmarkFindNonces(b *testing.B) {
	seq, err := FindNonces(context.Background(), genesis(), Range(0, 4095))
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	for b.Loop() {
		for range seq {
		}
	}
}

func BenchmarkNaiveHash(b *testing.B) {
	h := genesis()

	b.ReportAllocs()
	var n uint32
	for b.Loop() {
		if _, err := NaiveHash(h, n); err != nil {
			b.Fatal(err)
		}
		n++
	}
}
