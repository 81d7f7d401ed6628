// Package validation self-tests block headers fetched from a node: the
// wire encoding must round-trip, the recomputed hash must meet the header's
// own target and match what the node reported, and a nonce search around
// the header's nonce must find it again.
package validation

import (
	"bytes"
	"context"
	"math"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/compact"
	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/sha256x"
	"github.com/bardlex/gomine/pkg/errors"
	"github.com/bardlex/gomine/pkg/log"
)

// DefaultSearchWindow is how far either side of the header's nonce the
// search step looks.
const DefaultSearchWindow = 1

// HeaderSource resolves block references to headers.
type HeaderSource interface {
	GetHeader(ctx context.Context, ref bitcoin.BlockRef) (*header.Header, error)
}

// Validator runs header self-tests.
type Validator struct {
	source       HeaderSource
	hasher       sha256x.RoundHasher
	searchWindow uint32
	logger       *log.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithHasher sets the backend used for hashing and searching.
func WithHasher(h sha256x.RoundHasher) Option {
	return func(v *Validator) {
		v.hasher = h
	}
}

// WithSearchWindow sets how many nonces either side of the header's own
// the search step covers.
func WithSearchWindow(n uint32) Option {
	return func(v *Validator) {
		v.searchWindow = n
	}
}

// NewValidator creates a validator reading headers from source.
func NewValidator(source HeaderSource, logger *log.Logger, opts ...Option) *Validator {
	v := &Validator{
		source:       source,
		hasher:       sha256x.NewEngine(),
		searchWindow: DefaultSearchWindow,
		logger:       logger.WithComponent("validator"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check fetches the header ref points to and self-tests it. The returned
// error is non-nil only when the header could not be fetched; test
// failures are reported in the Report.
func (v *Validator) Check(ctx context.Context, ref bitcoin.BlockRef) (*Report, error) {
	report := &Report{Ref: ref.String(), StartedAt: time.Now()}

	start := time.Now()
	h, err := v.source.GetHeader(ctx, ref)
	report.Steps = append(report.Steps, result(StepFetch, start, err))
	if err != nil {
		report.Duration = time.Since(report.StartedAt)
		return report, err
	}

	v.run(ctx, h, report)
	return report, nil
}

// CheckHeader self-tests a header already in hand.
func (v *Validator) CheckHeader(ctx context.Context, h *header.Header) *Report {
	report := &Report{StartedAt: time.Now()}
	if hash, ok := h.Hash(); ok {
		report.Ref = hash.String()
	}
	v.run(ctx, h, report)
	if res, ok := report.Step(StepHash); report.Ref == "" && ok && res.OK {
		report.Ref = report.Hash.String()
	}
	return report
}

func (v *Validator) run(ctx context.Context, h *header.Header, report *Report) {
	report.Header = h
	report.Height, _ = h.Height()
	observed, hasObserved := h.Hash()

	// work on a copy so the caller's stored hash is left alone
	c := h.Clone()

	start := time.Now()
	report.Steps = append(report.Steps, result(StepRoundTrip, start, v.validateRoundTrip(c)))

	start = time.Now()
	hash, err := c.CalculateHash(v.hasher)
	report.Steps = append(report.Steps, result(StepHash, start, err))
	if err == nil {
		report.Hash = hash
	}

	start = time.Now()
	switch {
	case err != nil:
		report.Steps = append(report.Steps, skipped(StepObservedHash))
	case !hasObserved:
		report.Steps = append(report.Steps, skipped(StepObservedHash))
	default:
		report.Steps = append(report.Steps, result(StepObservedHash, start, v.validateObservedHash(hash, observed)))
	}

	start = time.Now()
	if target, ok := c.Target(); ok && target.Cmp(compact.MaxTarget()) > 0 {
		// below difficulty 1 the search cannot see the header
		report.Steps = append(report.Steps, skipped(StepSearch))
	} else {
		report.Steps = append(report.Steps, result(StepSearch, start, v.validateSearch(ctx, c)))
	}

	report.Duration = time.Since(report.StartedAt)
	v.logger.LogHeaderValidated(report.Ref, report.Height, report.OK(), string(report.FailedStep()))
}

// validateRoundTrip checks that decoding the encoded header gives the same bytes
func (v *Validator) validateRoundTrip(h *header.Header) error {
	raw, err := h.Bytes()
	if err != nil {
		return err
	}
	decoded, err := header.FromBytes(raw)
	if err != nil {
		return err
	}
	again, err := decoded.Bytes()
	if err != nil {
		return err
	}
	if !bytes.Equal(raw, again) {
		return errors.New(errors.ErrorTypeValidation, "validate_round_trip",
			"header bytes changed after decoding")
	}
	return nil
}

// validateObservedHash compares the recomputed hash with the node's
func (v *Validator) validateObservedHash(got, observed chainhash.Hash) error {
	if got != observed {
		return errors.New(errors.ErrorTypeValidation, "validate_observed_hash",
			"recomputed hash differs from the reported one")
	}
	return nil
}

// validateSearch checks that the nonce search rediscovers the header
func (v *Validator) validateSearch(ctx context.Context, h *header.Header) error {
	nonce, _ := h.Nonce()
	want, _ := h.Hash()

	start := uint32(0)
	if nonce > v.searchWindow {
		start = nonce - v.searchWindow
	}
	end := uint32(math.MaxUint32)
	if nonce < math.MaxUint32-v.searchWindow {
		end = nonce + v.searchWindow
	}

	opts := mining.Range(start, end)
	opts.Hasher = v.hasher
	seq, err := mining.FindNonces(ctx, h, opts)
	if err != nil {
		return err
	}
	for found := range seq {
		n, _ := found.Nonce()
		got, _ := found.Hash()
		if n == nonce && got == want {
			return nil
		}
	}
	return errors.Newf(errors.ErrorTypeValidation, "validate_search",
		"search over [%d, %d] did not find nonce %d", start, end, nonce)
}

func result(step Step, start time.Time, err error) StepResult {
	r := StepResult{Step: step, OK: err == nil, Duration: time.Since(start)}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func skipped(step Step) StepResult {
	return StepResult{Step: step, OK: true, Skipped: true}
}
