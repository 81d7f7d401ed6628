package validation

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/sha256x"
	"github.com/bardlex/gomine/pkg/log"
)

type fakeSource struct {
	headers map[string]*header.Header
	err     error
}

func (f *fakeSource) GetHeader(_ context.Context, ref bitcoin.BlockRef) (*header.Header, error) {
	if f.err != nil {
		return nil, f.err
	}
	h, ok := f.headers[ref.String()]
	if !ok {
		return nil, errors.New("block not found")
	}
	return h.Clone(), nil
}

func testLogger() *log.Logger {
	return log.NewWithWriter(io.Discard, "test", "dev", "error", "json")
}

func withObservedHash(t *testing.T, h *header.Header, hash chainhash.Hash, height int64) *header.Header {
	t.Helper()
	nonce, _ := h.Nonce()
	out := h.WithSolution(nonce, hash)
	out.SetHeight(height)
	return out
}

func TestValidator_Check(t *testing.T) {
	mainnet := header.FromWire(&chaincfg.MainNetParams.GenesisBlock.Header)
	regtest := header.FromWire(&chaincfg.RegressionNetParams.GenesisBlock.Header)

	wrongHash := *chaincfg.MainNetParams.GenesisHash
	wrongHash[0] ^= 0xff

	bumped := mainnet.Clone()
	bumped.SetNonce(chaincfg.MainNetParams.GenesisBlock.Header.Nonce + 1)

	src := &fakeSource{headers: map[string]*header.Header{
		"0": withObservedHash(t, mainnet, *chaincfg.MainNetParams.GenesisHash, 0),
		"1": withObservedHash(t, regtest, *chaincfg.RegressionNetParams.GenesisHash, 0),
		"2": withObservedHash(t, mainnet, wrongHash, 0),
		"3": bumped,
	}}

	tests := []struct {
		name       string
		ref        bitcoin.BlockRef
		wantOK     bool
		wantFailed Step
		skipped    []Step
	}{
		{name: "mainnet genesis", ref: bitcoin.AtHeight(0), wantOK: true},
		{name: "regtest genesis", ref: bitcoin.AtHeight(1), wantOK: true, skipped: []Step{StepSearch}},
		{name: "wrong reported hash", ref: bitcoin.AtHeight(2), wantFailed: StepObservedHash},
		{name: "wrong nonce", ref: bitcoin.AtHeight(3), wantFailed: StepHash, skipped: []Step{StepObservedHash}},
	}

	v := NewValidator(src, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := v.Check(context.Background(), tt.ref)
			if err != nil {
				t.Fatalf("Check() unexpected error: %v", err)
			}
			if report.OK() != tt.wantOK {
				t.Errorf("Check() OK = %v, want %v (steps %+v)", report.OK(), tt.wantOK, report.Steps)
			}
			if got := report.FailedStep(); got != tt.wantFailed {
				t.Errorf("FailedStep() = %q, want %q", got, tt.wantFailed)
			}
			for _, s := range tt.skipped {
				res, ok := report.Step(s)
				if !ok || !res.Skipped {
					t.Errorf("step %s skipped = %v, want true", s, res.Skipped)
				}
			}
			if len(report.Steps) != 5 {
				t.Errorf("Check() ran %d steps, want 5", len(report.Steps))
			}
		})
	}
}

func TestValidator_CheckFetchError(t *testing.T) {
	v := NewValidator(&fakeSource{err: errors.New("connection refused")}, testLogger())

	report, err := v.Check(context.Background(), bitcoin.Tip)
	if err == nil {
		t.Fatal("Check() expected error")
	}
	if report.FailedStep() != StepFetch {
		t.Errorf("FailedStep() = %q, want %q", report.FailedStep(), StepFetch)
	}
}

func TestValidator_CheckHeaderLeavesInputAlone(t *testing.T) {
	h := header.FromWire(&chaincfg.MainNetParams.GenesisBlock.Header)

	report := NewValidator(nil, testLogger(), WithSearchWindow(10)).CheckHeader(context.Background(), h)
	if !report.OK() {
		t.Fatalf("CheckHeader() failed at %s: %+v", report.FailedStep(), report.Steps)
	}
	if report.Hash != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("report hash = %s, want genesis", report.Hash)
	}
	if report.Ref != chaincfg.MainNetParams.GenesisHash.String() {
		t.Errorf("report ref = %q, want the computed hash", report.Ref)
	}
	if _, ok := h.Hash(); ok {
		t.Error("CheckHeader() stored a hash on the caller's header")
	}
}

func TestValidator_WithHasher(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[int]int)
	)
	engine := sha256x.NewEngine(sha256x.WithTracer(func(index int, _ uint32, _ sha256x.State) {
		mu.Lock()
		seen[index]++
		mu.Unlock()
	}))

	h := header.FromWire(&chaincfg.MainNetParams.GenesisBlock.Header)
	report := NewValidator(nil, testLogger(), WithHasher(engine)).CheckHeader(context.Background(), h)
	if !report.OK() {
		t.Fatalf("CheckHeader() failed at %s: %+v", report.FailedStep(), report.Steps)
	}

	mu.Lock()
	defer mu.Unlock()
	// both blocks of the first pass and the whole second pass
	for _, idx := range []int{0, 63, 64, 127, header.SecondPassOffset, header.SecondPassOffset + 63} {
		if seen[idx] == 0 {
			t.Errorf("round %d never ran on the supplied hasher", idx)
		}
	}
}

func TestValidateSearch_WindowAtEdges(t *testing.T) {
	h := header.FromWire(&chaincfg.MainNetParams.GenesisBlock.Header)
	v := NewValidator(nil, testLogger(), WithSearchWindow(3))

	for _, nonce := range []uint32{0, 1, 0xffffffff} {
		c := h.Clone()
		c.SetNonce(nonce)
		// these nonces do not solve the block, so the search must come up empty
		if err := v.validateSearch(context.Background(), c); err == nil {
			t.Errorf("validateSearch(nonce %d) expected error", nonce)
		}
	}
}
