package compact

import (
	"math/big"

	"github.com/cockroachdb/apd/v3"

	"github.com/bardlex/gomine/pkg/errors"
)

// Digits is the number of significant decimal digits carried by difficulty
// arithmetic: len(str(2**256)). Float64 and 28-digit decimals both lose
// bits of a 256-bit target.
var Digits = uint32(len(new(big.Int).Lsh(big.NewInt(1), 256).String()))

// Converter converts between compact bits, targets and decimal difficulty.
//
// The base context is never modified. Each conversion runs under a copy
// widened to at least Digits of precision, so the caller's context is
// unchanged on return whether or not the conversion failed.
type Converter struct {
	base *apd.Context
}

// DefaultConverter uses apd.BaseContext as its base.
var DefaultConverter = NewConverter(nil)

// NewConverter returns a Converter deriving its working precision from base.
// A nil base means apd.BaseContext.
func NewConverter(base *apd.Context) *Converter {
	if base == nil {
		base = &apd.BaseContext
	}
	return &Converter{base: base}
}

// Base returns the context the converter derives from.
func (c *Converter) Base() *apd.Context {
	return c.base
}

// withPrecision runs fn under a context with at least Digits of precision.
func (c *Converter) withPrecision(fn func(ctx *apd.Context) error) error {
	ctx := c.base.WithPrecision(max(c.base.Precision, Digits))
	return fn(ctx)
}

// BitsToDifficulty returns MAX_TARGET / target(bits).
func (c *Converter) BitsToDifficulty(bits Bits) (*apd.Decimal, error) {
	target := bits.Target()
	if target.Sign() == 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "bits_to_difficulty",
			"bits decode to a zero target").WithContext("bits", bits.String())
	}

	result := new(apd.Decimal)
	err := c.withPrecision(func(ctx *apd.Context) error {
		_, err := ctx.Quo(result, bigToDecimal(MaxTarget()), bigToDecimal(target))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "bits_to_difficulty",
			"decimal division failed").WithContext("bits", bits.String())
	}
	return result, nil
}

// DifficultyToBits returns compact(floor(MAX_TARGET / difficulty)).
func (c *Converter) DifficultyToBits(difficulty *apd.Decimal) (Bits, error) {
	if err := checkDifficulty(difficulty, "difficulty_to_bits"); err != nil {
		return Bits{}, err
	}

	var target *big.Int
	err := c.withPrecision(func(ctx *apd.Context) error {
		quo := new(apd.Decimal)
		if _, err := ctx.Quo(quo, bigToDecimal(MaxTarget()), difficulty); err != nil {
			return err
		}
		floor := new(apd.Decimal)
		if _, err := ctx.Floor(floor, quo); err != nil {
			return err
		}
		target = integerToBig(floor)
		return nil
	})
	if err != nil {
		return Bits{}, errors.Wrap(err, errors.ErrorTypeInternal, "difficulty_to_bits",
			"decimal division failed").WithContext("difficulty", difficulty.String())
	}

	return Compact(target)
}

// DifficultyToTarget returns the target a header with this difficulty
// advertises, i.e. uncompact(DifficultyToBits(difficulty)). The result
// carries the compact encoding's precision loss.
func (c *Converter) DifficultyToTarget(difficulty *apd.Decimal) (*big.Int, error) {
	bits, err := c.DifficultyToBits(difficulty)
	if err != nil {
		return nil, err
	}
	return bits.Target(), nil
}

// ParseDifficulty parses a decimal difficulty such as "1" or "1234567.89".
func ParseDifficulty(s string) (*apd.Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "parse_difficulty",
			"difficulty is not a decimal number").WithContext("difficulty", s)
	}
	if err := checkDifficulty(d, "parse_difficulty"); err != nil {
		return nil, err
	}
	return d, nil
}

// Float64 is a lossy view of a difficulty for metrics and log fields.
func Float64(d *apd.Decimal) float64 {
	f, err := d.Float64()
	if err != nil {
		return 0
	}
	return f
}

func checkDifficulty(d *apd.Decimal, op string) error {
	if d == nil {
		return errors.New(errors.ErrorTypeValidation, op, "difficulty is required")
	}
	if d.Form != apd.Finite || d.Sign() <= 0 {
		return errors.New(errors.ErrorTypeValidation, op, "difficulty must be a positive finite number").
			WithContext("difficulty", d.String())
	}
	return nil
}

func bigToDecimal(n *big.Int) *apd.Decimal {
	return apd.NewWithBigInt(new(apd.BigInt).SetMathBigInt(n), 0)
}

// integerToBig converts an integral, non-negative decimal to a big.Int.
func integerToBig(d *apd.Decimal) *big.Int {
	n := d.Coeff.MathBigInt()
	switch {
	case d.Exponent > 0:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Exponent)), nil)
		n.Mul(n, scale)
	case d.Exponent < 0:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-d.Exponent)), nil)
		n.Quo(n, scale)
	}
	if d.Negative {
		n.Neg(n)
	}
	return n
}
