package postgres

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lib/pq"

	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/pkg/errors"
)

func genesis(t *testing.T) *header.Header {
	t.Helper()
	h := header.FromWire(&chaincfg.MainNetParams.GenesisBlock.Header)
	h.SetHeight(0)
	nonce, _ := h.Nonce()
	return h.WithSolution(nonce, *chaincfg.MainNetParams.GenesisHash)
}

func TestNewHeaderRecord(t *testing.T) {
	rec, err := NewHeaderRecord(genesis(t), "test", true, "")
	if err != nil {
		t.Fatalf("NewHeaderRecord() unexpected error: %v", err)
	}

	if rec.Hash != chaincfg.MainNetParams.GenesisHash.String() {
		t.Errorf("Hash = %s, want genesis", rec.Hash)
	}
	if rec.Height == nil || *rec.Height != 0 {
		t.Errorf("Height = %v, want 0", rec.Height)
	}
	if rec.Bits != "1d00ffff" || rec.Nonce != 2083236893 || rec.Difficulty != 1 {
		t.Errorf("record = %+v, want bits 1d00ffff nonce 2083236893 difficulty 1", rec)
	}
	if rec.Time.Location() != time.UTC {
		t.Errorf("Time location = %v, want UTC", rec.Time.Location())
	}
	if len(rec.Raw) != header.Size {
		t.Errorf("len(Raw) = %d, want %d", len(rec.Raw), header.Size)
	}

	back, err := rec.Header()
	if err != nil {
		t.Fatalf("Header() unexpected error: %v", err)
	}
	raw, _ := back.Bytes()
	if !bytes.Equal(raw, rec.Raw) {
		t.Errorf("Header() bytes = %x, want %x", raw, rec.Raw)
	}
	if hash, ok := back.Hash(); !ok || hash != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("Header() hash = %s, %v, want genesis", hash, ok)
	}
	if height, ok := back.Height(); !ok || height != 0 {
		t.Errorf("Header() height = %d, %v, want 0", height, ok)
	}
}

func TestNewHeaderRecord_Incomplete(t *testing.T) {
	h := header.FromWire(&chaincfg.MainNetParams.GenesisBlock.Header)
	if _, err := NewHeaderRecord(h, "test", true, ""); !errors.Is(err, errors.ErrIncompleteHeader) {
		t.Errorf("NewHeaderRecord() without hash error = %v, want incomplete header", err)
	}

	empty, err := header.New(header.Params{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewHeaderRecord(empty, "test", true, ""); !errors.Is(err, errors.ErrIncompleteHeader) {
		t.Errorf("NewHeaderRecord() on empty header error = %v, want incomplete header", err)
	}
}

func TestHeaderRecord_BadRaw(t *testing.T) {
	rec := &HeaderRecord{Raw: []byte{1, 2, 3}, Hash: chaincfg.MainNetParams.GenesisHash.String()}
	if _, err := rec.Header(); !errors.Is(err, errors.ErrMalformedEncoding) {
		t.Errorf("Header() error = %v, want malformed encoding", err)
	}
}

func TestNewSearchRun(t *testing.T) {
	run := NewSearchRun("noncesearch", "abc", mining.Stats{
		Start: 1, End: 9, Tried: 9, EarlyExits: 8, Found: 1, Elapsed: 1500 * time.Microsecond, Stopped: true,
	})
	if run.ElapsedMs != 1.5 || run.Tried != 9 || !run.Stopped || run.HeaderHash != "abc" {
		t.Errorf("NewSearchRun() = %+v", run)
	}
}

func TestIsDuplicate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"other pq error", &pq.Error{Code: "23503"}, false},
		{"plain error", fmt.Errorf("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDuplicate(tt.err); got != tt.want {
				t.Errorf("IsDuplicate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHeaderRepository_Integration(t *testing.T) {
	url := os.Getenv("POSTGRES_TEST_URL")
	if testing.Short() || url == "" {
		t.Skip("Skipping integration test: set POSTGRES_TEST_URL to run")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, DefaultConfig(url))
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	defer func() { _ = client.Close() }()
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() unexpected error: %v", err)
	}

	repo := NewHeaderRepository(client.DB())
	source := fmt.Sprintf("test-%d", time.Now().UnixNano())
	rec, err := NewHeaderRecord(genesis(t), source, true, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.CreateHeader(ctx, rec); err != nil {
		t.Fatalf("CreateHeader() unexpected error: %v", err)
	}
	if err := repo.CreateHeader(ctx, rec); !IsDuplicate(err) {
		t.Errorf("second CreateHeader() error = %v, want duplicate", err)
	}

	got, err := repo.GetHeaderByHash(ctx, rec.Hash)
	if err != nil {
		t.Fatalf("GetHeaderByHash() unexpected error: %v", err)
	}
	found := false
	for _, g := range got {
		if g.Source == source && bytes.Equal(g.Raw, rec.Raw) && g.Nonce == rec.Nonce {
			found = true
		}
	}
	if !found {
		t.Errorf("GetHeaderByHash() did not return the stored row")
	}

	atHeight, err := repo.GetHeadersByHeight(ctx, 0)
	if err != nil {
		t.Fatalf("GetHeadersByHeight(0) unexpected error: %v", err)
	}
	found = false
	for _, g := range atHeight {
		if g.Source == source && g.Hash == rec.Hash {
			found = true
		}
	}
	if !found {
		t.Errorf("GetHeadersByHeight(0) did not return the stored row")
	}
}

func TestSearchRunRepository_Integration(t *testing.T) {
	url := os.Getenv("POSTGRES_TEST_URL")
	if testing.Short() || url == "" {
		t.Skip("Skipping integration test: set POSTGRES_TEST_URL to run")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, DefaultConfig(url))
	if err != nil {
		t.Fatalf("NewClient() unexpected error: %v", err)
	}
	defer func() { _ = client.Close() }()
	if err := client.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() unexpected error: %v", err)
	}

	repo := NewSearchRunRepository(client.DB())
	template := fmt.Sprintf("template-%d", time.Now().UnixNano())
	for i, end := range []uint32{99, 199, 299} {
		run := NewSearchRun("test", template, mining.Stats{Start: end - 99, End: end, Tried: 100})
		if err := repo.CreateSearchRun(ctx, run); err != nil {
			t.Fatalf("CreateSearchRun(%d) unexpected error: %v", i, err)
		}
	}

	runs, err := repo.GetRecentSearchRuns(ctx, template, 2)
	if err != nil {
		t.Fatalf("GetRecentSearchRuns() unexpected error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("GetRecentSearchRuns() returned %d runs, want 2", len(runs))
	}
	for _, r := range runs {
		if r.HeaderHash != template || r.Tried != 100 {
			t.Errorf("run = %+v", r)
		}
	}
	if none, err := repo.GetRecentSearchRuns(ctx, template+"-other", 5); err != nil || len(none) != 0 {
		t.Errorf("GetRecentSearchRuns(other) = %v, %v, want none", none, err)
	}
}
