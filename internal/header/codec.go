package header

import (
	"bytes"
	"encoding/hex"
	"math"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/pkg/errors"
)

// FromBytes decodes an 80-byte wire header. Height and hash are left unset.
func FromBytes(raw []byte) (*Header, error) {
	if len(raw) != Size {
		return nil, errors.Newf(errors.ErrorTypeMalformedEncoding, "from_bytes",
			"expected %d bytes, got %d", Size, len(raw))
	}

	var wh wire.BlockHeader
	if err := wh.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedEncoding, "from_bytes",
			"failed to decode header")
	}
	return FromWire(&wh), nil
}

// FromWire copies a btcd header. All six hashed fields are set.
func FromWire(wh *wire.BlockHeader) *Header {
	h := &Header{}
	h.SetVersion(wh.Version)
	h.SetPrevBlock(wh.PrevBlock)
	h.SetMerkleRoot(wh.MerkleRoot)
	h.SetTime(wh.Timestamp)
	h.SetBits(compact.BitsFromUint32(wh.Bits))
	h.SetNonce(wh.Nonce)
	return h
}

// Wire converts a complete header to btcd's representation.
func (h *Header) Wire() (*wire.BlockHeader, error) {
	if err := h.Complete(); err != nil {
		return nil, err
	}
	if sec := h.timestamp.Unix(); sec < 0 || sec > math.MaxUint32 {
		return nil, errors.New(errors.ErrorTypeValidation, "wire",
			"time does not fit in 32 bits").WithContext("time", h.timestamp.UTC().Format(time.RFC3339))
	}
	return &wire.BlockHeader{
		Version:    h.version,
		PrevBlock:  h.prevBlock,
		MerkleRoot: h.merkleRoot,
		Timestamp:  h.timestamp,
		Bits:       h.bits.Uint32(),
		Nonce:      h.nonce,
	}, nil
}

// Bytes returns the 80-byte wire serialization: version, previous block
// and merkle root in internal byte order, time, bits and nonce, each
// integer little-endian.
func (h *Header) Bytes() ([]byte, error) {
	wh, err := h.Wire()
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(make([]byte, 0, Size))
	if err := wh.Serialize(buf); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "bytes", "failed to encode header")
	}
	return buf.Bytes(), nil
}

// FromWork decodes the data field of a getwork response. getwork sends the
// padded header as 32-bit words in host order, so every 4-byte group is
// reversed before the first 80 bytes are read.
func FromWork(data string) (*Header, error) {
	raw, err := hex.DecodeString(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeMalformedEncoding, "from_work",
			"work data is not valid hex")
	}
	if len(raw) < Size || len(raw)%4 != 0 {
		return nil, errors.Newf(errors.ErrorTypeMalformedEncoding, "from_work",
			"work data must be whole words covering %d bytes, got %d", Size, len(raw))
	}
	swapWords(raw)
	return FromBytes(raw[:Size])
}

// ToWork is the inverse of FromWork for an unpadded header.
func (h *Header) ToWork() (string, error) {
	raw, err := h.Bytes()
	if err != nil {
		return "", err
	}
	swapWords(raw)
	return hex.EncodeToString(raw), nil
}

func swapWords(b []byte) {
	for i := 0; i+4 <= len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}
