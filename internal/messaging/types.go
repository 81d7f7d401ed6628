package messaging

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gomine/internal/header"
	"github.com/bardlex/gomine/internal/mining"
	"github.com/bardlex/gomine/internal/validation"
	"github.com/bardlex/gomine/pkg/errors"
)

// Event kinds.
const (
	KindFound     = "found"
	KindValidated = "validated"
)

// Envelope keys added next to the header fields.
const (
	keyKind       = "kind"
	keySource     = "source"
	keyAt         = "at"
	keyOK         = "ok"
	keyFailedStep = "failed_step"
	keyTarget     = "target_difficulty"
)

// HeaderEvent announces a header a search found or a validator checked.
type HeaderEvent struct {
	Kind   string
	Source string
	At     time.Time
	Header *header.Header
	// TargetDifficulty is the difficulty the search was run at.
	TargetDifficulty string
	OK               bool
	FailedStep       string
}

// FoundEvent describes a header yielded by a nonce search.
func FoundEvent(source string, h *header.Header, difficulty string) *HeaderEvent {
	return &HeaderEvent{
		Kind:             KindFound,
		Source:           source,
		At:               time.Now(),
		Header:           h,
		TargetDifficulty: difficulty,
		OK:               true,
	}
}

// ValidatedEvent describes a self-test report.
func ValidatedEvent(source string, r *validation.Report) *HeaderEvent {
	return &HeaderEvent{
		Kind:       KindValidated,
		Source:     source,
		At:         r.StartedAt,
		Header:     r.Header,
		OK:         r.OK(),
		FailedStep: string(r.FailedStep()),
	}
}

// Key returns the Kafka message key, the block hash when known.
func (e *HeaderEvent) Key() string {
	if e.Header != nil {
		if hash, ok := e.Header.Hash(); ok {
			return hash.String()
		}
	}
	return ""
}

// ToProto flattens the event into a Struct holding the header fields and
// the envelope keys.
func (e *HeaderEvent) ToProto() (*structpb.Struct, error) {
	m := map[string]any{}
	if e.Header != nil {
		m = e.Header.Fields()
	}
	m[keyKind] = e.Kind
	m[keySource] = e.Source
	m[keyAt] = e.At.UTC().Format(time.RFC3339Nano)
	m[keyOK] = e.OK
	if e.TargetDifficulty != "" {
		m[keyTarget] = e.TargetDifficulty
	}
	if e.FailedStep != "" {
		m[keyFailedStep] = e.FailedStep
	}

	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "header_event_to_proto",
			"failed to build event")
	}
	return s, nil
}

// HeaderEventFromProto is the inverse of ToProto.
func HeaderEventFromProto(s *structpb.Struct) (*HeaderEvent, error) {
	m := s.AsMap()

	e := &HeaderEvent{}
	e.Kind, _ = m[keyKind].(string)
	e.Source, _ = m[keySource].(string)
	e.OK, _ = m[keyOK].(bool)
	e.TargetDifficulty, _ = m[keyTarget].(string)
	e.FailedStep, _ = m[keyFailedStep].(string)
	if e.Kind == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "header_event_from_proto",
			"event has no kind")
	}
	if at, ok := m[keyAt].(string); ok {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "header_event_from_proto",
				"invalid event time")
		}
		e.At = t
	}

	h, err := header.FromFields(m, nil)
	if err != nil {
		return nil, err
	}
	e.Header = h
	return e, nil
}

// SearchStatsMessage is the JSON summary of one search run.
type SearchStatsMessage struct {
	Source     string    `json:"source"`
	Start      uint32    `json:"start"`
	End        uint32    `json:"end"`
	Tried      uint64    `json:"tried"`
	EarlyExits uint64    `json:"early_exits"`
	Found      uint64    `json:"found"`
	ElapsedMs  float64   `json:"elapsed_ms"`
	HashRate   float64   `json:"hash_rate"`
	Stopped    bool      `json:"stopped"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewSearchStatsMessage converts run statistics.
func NewSearchStatsMessage(source string, s mining.Stats) SearchStatsMessage {
	return SearchStatsMessage{
		Source:     source,
		Start:      s.Start,
		End:        s.End,
		Tried:      s.Tried,
		EarlyExits: s.EarlyExits,
		Found:      s.Found,
		ElapsedMs:  float64(s.Elapsed.Microseconds()) / 1000,
		HashRate:   s.HashRate(),
		Stopped:    s.Stopped,
		FinishedAt: time.Now(),
	}
}

// PublishHeaderEvent sends e to topic keyed by block hash.
func PublishHeaderEvent(ctx context.Context, p Publisher, topic string, e *HeaderEvent) error {
	msg, err := e.ToProto()
	if err != nil {
		return err
	}
	return p.PublishProto(ctx, topic, e.Key(), msg)
}

// PublishSearchStats sends a run summary to TopicSearchStats.
func PublishSearchStats(ctx context.Context, p Publisher, msg SearchStatsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal search stats")
	}
	return p.PublishJSON(ctx, TopicSearchStats, msg.Source, data)
}
