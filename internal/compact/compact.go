// Package compact implements Bitcoin's compact target encoding ("bits") and
// the conversions between compact bits, 256-bit targets and decimal
// difficulty.
//
// A compact value is 4 bytes: a length byte L followed by three mantissa
// bytes M. It represents M * 256^(L-3). The encoding is lossy: only the
// three most significant bytes of a target survive.
package compact

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/pkg/errors"
)

// Size is the length of an encoded compact value in bytes.
const Size = 4

// Bits is a compact-encoded target in its big-endian display order
// (length byte first), e.g. 1d00ffff for difficulty 1.
type Bits [Size]byte

// MaxTargetBits is the compact form of the difficulty-1 target.
var MaxTargetBits = Bits{0x1d, 0x00, 0xff, 0xff}

// BitsFromUint32 converts the numeric form used by btcd (0x1d00ffff) to Bits.
func BitsFromUint32(v uint32) Bits {
	var b Bits
	binary.BigEndian.PutUint32(b[:], v)
	return b
}

// ParseBits decodes the hex form returned by bitcoind's getblock.
func ParseBits(s string) (Bits, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Bits{}, errors.Wrap(err, errors.ErrorTypeMalformedEncoding, "parse_bits",
			"bits is not valid hex").WithContext("bits", s)
	}
	if len(raw) != Size {
		return Bits{}, errors.Newf(errors.ErrorTypeMalformedEncoding, "parse_bits",
			"expected %d bytes, got %d", Size, len(raw))
	}
	return Bits(raw), nil
}

// Uint32 returns the numeric form, as stored in wire.BlockHeader.Bits.
func (b Bits) Uint32() uint32 {
	return binary.BigEndian.Uint32(b[:])
}

// String returns the hex display form.
func (b Bits) String() string {
	return hex.EncodeToString(b[:])
}

// Target decodes b. A length byte below 3 truncates the mantissa, so
// 02 12 34 00 decodes to 0x1234.
func (b Bits) Target() *big.Int {
	length := int(b[0])
	n := new(big.Int).SetBytes(b[1:])
	if length >= 3 {
		return n.Lsh(n, uint(8*(length-3)))
	}
	return n.Rsh(n, uint(8*(3-length)))
}

// Compact encodes n in the minimal compact form. When the leading mantissa
// byte would have its high bit set, a zero byte is prepended so the value
// can never be read as negative.
//
// Zero is degenerate: it encodes as 00 00 00 00 (length 0, empty mantissa),
// which decodes back to zero.
func Compact(n *big.Int) (Bits, error) {
	switch {
	case n == nil:
		return Bits{}, errors.New(errors.ErrorTypeValidation, "compact", "nil integer")
	case n.Sign() < 0:
		return Bits{}, errors.New(errors.ErrorTypeValidation, "compact", "negative integer").
			WithContext("value", n.String())
	case n.Sign() == 0:
		return Bits{}, nil
	}

	raw := n.Bytes()
	if raw[0]&0x80 != 0 {
		raw = append([]byte{0}, raw...)
	}
	if len(raw) > 0xff {
		return Bits{}, errors.Newf(errors.ErrorTypeValidation, "compact",
			"integer needs %d bytes, at most 255 fit", len(raw))
	}

	var b Bits
	b[0] = byte(len(raw))
	copy(b[1:], raw)
	return b, nil
}

// Uncompact decodes a 4-byte compact buffer.
func Uncompact(raw []byte) (*big.Int, error) {
	if len(raw) != Size {
		return nil, errors.Newf(errors.ErrorTypeMalformedEncoding, "uncompact",
			"expected %d bytes, got %d", Size, len(raw))
	}
	return Bits(raw).Target(), nil
}

// MaxTarget returns the difficulty-1 target, uncompact(1d 00 ff ff).
// The result is a fresh value the caller may modify.
func MaxTarget() *big.Int {
	return MaxTargetBits.Target()
}

// HashToBig interprets a hash as a 256-bit integer. chainhash.Hash holds the
// digest in wire order, so the bytes are reversed first.
func HashToBig(hash chainhash.Hash) *big.Int {
	var buf [chainhash.HashSize]byte
	for i := range hash {
		buf[chainhash.HashSize-1-i] = hash[i]
	}
	return new(big.Int).SetBytes(buf[:])
}

// HashMeetsTarget reports whether hash, read as an integer, is at most target.
func HashMeetsTarget(hash chainhash.Hash, target *big.Int) bool {
	return HashToBig(hash).Cmp(target) <= 0
}
