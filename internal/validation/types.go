package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gomine/internal/header"
)

// Step names one stage of a header self-test.
type Step string

// Self-test stages, in the order they run.
const (
	StepFetch        Step = "fetch"
	StepRoundTrip    Step = "round_trip"
	StepHash         Step = "hash"
	StepObservedHash Step = "observed_hash"
	StepSearch       Step = "search"
)

// StepResult is the outcome of one stage.
type StepResult struct {
	Step     Step
	OK       bool
	Skipped  bool
	Error    string
	Duration time.Duration
}

// Report collects the stages run against one header.
type Report struct {
	Ref       string
	Header    *header.Header
	Hash      chainhash.Hash
	Height    int64
	Steps     []StepResult
	StartedAt time.Time
	Duration  time.Duration
}

// OK reports whether every stage that ran passed.
func (r *Report) OK() bool {
	return r.FailedStep() == ""
}

// FailedStep returns the first failing stage, or "" if none failed.
func (r *Report) FailedStep() Step {
	for _, s := range r.Steps {
		if !s.OK {
			return s.Step
		}
	}
	return ""
}

// Step returns the result for s, if it ran.
func (r *Report) Step(s Step) (StepResult, bool) {
	for _, res := range r.Steps {
		if res.Step == s {
			return res, true
		}
	}
	return StepResult{}, false
}

// String renders the report on one line: the verdict, the reference, the
// height and the status of each stage.
func (r *Report) String() string {
	var b strings.Builder
	if r.OK() {
		b.WriteString("ok")
	} else {
		b.WriteString("FAIL")
	}
	fmt.Fprintf(&b, " %s height=%d", r.Ref, r.Height)
	for _, s := range r.Steps {
		status := "ok"
		switch {
		case s.Skipped:
			status = "skipped"
		case !s.OK:
			status = "failed"
		}
		fmt.Fprintf(&b, " %s=%s", s.Step, status)
	}
	if failed, ok := r.Step(r.FailedStep()); ok && failed.Error != "" {
		fmt.Fprintf(&b, " error=%q", failed.Error)
	}
	return b.String()
}
