package postgres

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/pkg/errors"
)

// HeaderRecord is one row of the headers table. The same header may be
// stored once per source.
type HeaderRecord struct {
	ID         int64     `db:"id"`
	Hash       string    `db:"hash"`
	Source     string    `db:"source"`
	Height     *int64    `db:"height"`
	Version    int32     `db:"version"`
	PrevBlock  string    `db:"prev_block"`
	MerkleRoot string    `db:"merkle_root"`
	Time       time.Time `db:"time"`
	Bits       string    `db:"bits"`
	Nonce      uint32    `db:"nonce"`
	Difficulty float64   `db:"difficulty"`
	Raw        []byte    `db:"raw"`
	Valid      bool      `db:"valid"`
	FailedStep string    `db:"failed_step"`
	CreatedAt  time.Time `db:"created_at"`
}

// NewHeaderRecord flattens a complete header carrying a hash.
func NewHeaderRecord(h *header.Header, source string, valid bool, failedStep string) (*HeaderRecord, error) {
	raw, err := h.Bytes()
	if err != nil {
		return nil, err
	}
	hash, ok := h.Hash()
	if !ok {
		return nil, errors.New(errors.ErrorTypeIncompleteHeader, "new_header_record",
			"header has no hash").WithContext("missing", []string{header.KeyHash})
	}

	version, _ := h.Version()
	prev, _ := h.PrevBlock()
	merkle, _ := h.MerkleRoot()
	ts, _ := h.Time()
	bits, _ := h.Bits()
	nonce, _ := h.Nonce()

	rec := &HeaderRecord{
		Hash:       hash.String(),
		Source:     source,
		Version:    version,
		PrevBlock:  prev.String(),
		MerkleRoot: merkle.String(),
		Time:       ts.UTC(),
		Bits:       bits.String(),
		Nonce:      nonce,
		Raw:        raw,
		Valid:      valid,
		FailedStep: failedStep,
	}
	if height, ok := h.Height(); ok {
		rec.Height = &height
	}
	if d, err := h.Difficulty(nil); err == nil {
		rec.Difficulty = compact.Float64(d)
	}
	return rec, nil
}

// Header decodes the stored raw bytes and restores height and hash.
func (r *HeaderRecord) Header() (*header.Header, error) {
	h, err := header.FromBytes(r.Raw)
	if err != nil {
		return nil, err
	}
	if r.Height != nil {
		h.SetHeight(*r.Height)
	}
	hash, err := chainhash.NewHashFromStr(r.Hash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedEncoding, "header_record",
			"invalid stored hash").WithContext("hash", r.Hash)
	}
	nonce, _ := h.Nonce()
	return h.WithSolution(nonce, *hash), nil
}

// SearchRun is one row of the search_runs table.
type SearchRun struct {
	ID         int64     `db:"id"          json:"id"`
	Source     string    `db:"source"      json:"source"`
	HeaderHash string    `db:"header_hash" json:"header_hash"`
	Start      uint32    `db:"start_nonce" json:"start"`
	End        uint32    `db:"end_nonce"   json:"end"`
	Tried      uint64    `db:"tried"       json:"tried"`
	EarlyExits uint64    `db:"early_exits" json:"early_exits"`
	Found      uint64    `db:"found"       json:"found"`
	ElapsedMs  float64   `db:"elapsed_ms"  json:"elapsed_ms"`
	Stopped    bool      `db:"stopped"     json:"stopped"`
	CreatedAt  time.Time `db:"created_at"  json:"created_at"`
}

// NewSearchRun records the statistics of a run over the header identified
// by headerHash, the hash of the template with its original nonce.
func NewSearchRun(source, headerHash string, s mining.Stats) *SearchRun {
	return &SearchRun{
		Source:     source,
		HeaderHash: headerHash,
		Start:      s.Start,
		End:        s.End,
		Tried:      s.Tried,
		EarlyExits: s.EarlyExits,
		Found:      s.Found,
		ElapsedMs:  float64(s.Elapsed.Microseconds()) / 1000,
		Stopped:    s.Stopped,
	}
}
