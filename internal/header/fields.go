package header

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/cockroachdb/apd/v3"

	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/pkg/errors"
)

// FromFields builds a header from a getblock-style mapping. Hash fields
// and bits are hex strings in display order; numbers may be float64 or
// json.Number (as produced by encoding/json) or Go integers. Keys other
// than the header fields are ignored, and difficulty is only consulted
// when bits is absent, since getblock reports both.
func FromFields(m map[string]any, conv *compact.Converter) (*Header, error) {
	var p Params

	if v, ok := m[KeyHeight]; ok && v != nil {
		n, err := toInt(KeyHeight, v, math.MinInt64, math.MaxInt64)
		if err != nil {
			return nil, err
		}
		p.Height = &n
	}
	if v, ok := m[KeyVersion]; ok && v != nil {
		n, err := toInt(KeyVersion, v, math.MinInt32, math.MaxInt32)
		if err != nil {
			return nil, err
		}
		version := int32(n)
		p.Version = &version
	}
	for key, dst := range map[string]**chainhash.Hash{
		KeyPrevBlock:  &p.PrevBlock,
		KeyMerkleRoot: &p.MerkleRoot,
		KeyHash:       &p.Hash,
	} {
		v, ok := m[key]
		if !ok || v == nil {
			continue
		}
		hash, err := toHash(key, v)
		if err != nil {
			return nil, err
		}
		*dst = hash
	}
	if v, ok := m[KeyTime]; ok && v != nil {
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		p.Time = &t
	}
	if v, ok := m[KeyBits]; ok && v != nil {
		bits, err := toBits(v)
		if err != nil {
			return nil, err
		}
		p.Bits = &bits
	} else if v, ok := m[KeyDifficulty]; ok && v != nil {
		d, err := toDecimal(v)
		if err != nil {
			return nil, err
		}
		p.Difficulty = d
	}
	if v, ok := m[KeyNonce]; ok && v != nil {
		n, err := toInt(KeyNonce, v, 0, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		nonce := uint32(n)
		p.Nonce = &nonce
	}

	return New(p, conv)
}

// FromBlockVerbose builds a header from a verbose getblock result. The
// reported hash is kept as the observed hash.
func FromBlockVerbose(b *btcjson.GetBlockVerboseResult) (*Header, error) {
	if b == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "from_block_verbose", "nil block")
	}

	fields := map[string]any{
		KeyHeight:     b.Height,
		KeyVersion:    b.Version,
		KeyMerkleRoot: b.MerkleRoot,
		KeyTime:       b.Time,
		KeyBits:       b.Bits,
		KeyNonce:      b.Nonce,
		KeyHash:       b.Hash,
	}
	// the genesis block has no previous block
	if b.PreviousHash != "" {
		fields[KeyPrevBlock] = b.PreviousHash
	} else {
		fields[KeyPrevBlock] = chainhash.Hash{}
	}
	return FromFields(fields, nil)
}

// Fields is the inverse of FromFields for the fields that are set.
func (h *Header) Fields() map[string]any {
	m := make(map[string]any, 8)
	if v, ok := h.Height(); ok {
		m[KeyHeight] = v
	}
	if v, ok := h.Version(); ok {
		m[KeyVersion] = v
	}
	if v, ok := h.PrevBlock(); ok {
		m[KeyPrevBlock] = v.String()
	}
	if v, ok := h.MerkleRoot(); ok {
		m[KeyMerkleRoot] = v.String()
	}
	if v, ok := h.Time(); ok {
		m[KeyTime] = v.Unix()
	}
	if v, ok := h.Bits(); ok {
		m[KeyBits] = v.String()
	}
	if v, ok := h.Nonce(); ok {
		m[KeyNonce] = v
	}
	if v, ok := h.Hash(); ok {
		m[KeyHash] = v.String()
	}
	return m
}

func fieldError(key string, v any, msg string) error {
	return errors.New(errors.ErrorTypeValidation, "from_fields", msg).
		WithContext("field", key).
		WithContext("value", fmt.Sprint(v))
}

func toInt(key string, v any, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case uint32:
		n = int64(x)
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is
		// checked as x >= hi+1, which stays exact for every hi used here.
		if x != math.Trunc(x) || x < float64(lo) || x >= float64(hi)+1 {
			return 0, fieldError(key, v, "not an integer in range")
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, fieldError(key, v, "not an integer")
		}
		n = i
	default:
		return 0, fieldError(key, v, fmt.Sprintf("unsupported type %T", v))
	}
	if n < lo || n > hi {
		return 0, fieldError(key, v, "out of range")
	}
	return n, nil
}

func toHash(key string, v any) (*chainhash.Hash, error) {
	switch x := v.(type) {
	case chainhash.Hash:
		return &x, nil
	case *chainhash.Hash:
		return x, nil
	case string:
		if len(x) != 2*chainhash.HashSize {
			return nil, errors.Newf(errors.ErrorTypeMalformedEncoding, "from_fields",
				"%s must be %d hex characters, got %d", key, 2*chainhash.HashSize, len(x))
		}
		hash, err := chainhash.NewHashFromStr(x)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeMalformedEncoding, "from_fields",
				"invalid hash").WithContext("field", key)
		}
		return hash, nil
	default:
		return nil, fieldError(key, v, fmt.Sprintf("unsupported type %T", v))
	}
}

func toTime(v any) (time.Time, error) {
	if t, ok := v.(time.Time); ok {
		return t, nil
	}
	sec, err := toInt(KeyTime, v, 0, math.MaxUint32)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0), nil
}

func toBits(v any) (compact.Bits, error) {
	switch x := v.(type) {
	case compact.Bits:
		return x, nil
	case string:
		return compact.ParseBits(x)
	default:
		n, err := toInt(KeyBits, v, 0, math.MaxUint32)
		if err != nil {
			return compact.Bits{}, err
		}
		return compact.BitsFromUint32(uint32(n)), nil
	}
}

func toDecimal(v any) (*apd.Decimal, error) {
	switch x := v.(type) {
	case *apd.Decimal:
		return x, nil
	case string:
		return compact.ParseDifficulty(x)
	case json.Number:
		return compact.ParseDifficulty(x.String())
	case float64:
		d := new(apd.Decimal)
		if _, err := d.SetFloat64(x); err != nil {
			return nil, fieldError(KeyDifficulty, v, "not a finite number")
		}
		return d, nil
	default:
		return nil, fieldError(KeyDifficulty, v, fmt.Sprintf("unsupported type %T", v))
	}
}
