// Package normalize turns raw source payloads into canonical events.
package normalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/gyaneshwarpardhi/provgraph/internal/config"
	"github.com/gyaneshwarpardhi/provgraph/internal/errors"
	"github.com/gyaneshwarpardhi/provgraph/internal/event"
	"github.com/gyaneshwarpardhi/provgraph/internal/schema"
)

// Kind classifies a NormalizationError.
type Kind string

const (
	SchemaMismatch   Kind = "SchemaMismatch"
	MissingField     Kind = "MissingField"
	InvalidTimestamp Kind = "InvalidTimestamp"
	UnknownSource    Kind = "UnknownSource"
)

// NormalizationError rejects a malformed submission. Nothing is recorded for it.
type NormalizationError struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func reject(kind Kind, field, format string, args ...any) *NormalizationError {
	return &NormalizationError{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Lookup is the ledger read the normalizer needs for duplicate suppression.
// It returns errors.ErrNotFound for unknown ids.
type Lookup interface {
	Event(ctx context.Context, id string) (event.Event, error)
}

// Result is a normalized event. Duplicate reports that the event was already
// in the ledger, in which case Event is the stored copy.
type Result struct {
	Event     event.Event
	Duplicate bool
}

// Options tunes input limits.
type Options struct {
	MaxClockSkew  time.Duration
	MinTextLength int
	Now           func() time.Time
}

// OptionsFromConfig maps the normalizer config section.
func OptionsFromConfig(c config.NormalizerConf) Options {
	return Options{
		MaxClockSkew:  time.Duration(c.MaxClockSkewSec) * time.Second,
		MinTextLength: c.MinTextLength,
	}
}

// Normalizer validates and canonicalizes raw payloads.
type Normalizer struct {
	registry schema.Registry
	lookup   Lookup
	opts     Options
}

// New returns a Normalizer. lookup may be nil, which disables duplicate
// suppression (used when replaying into an empty store).
func New(registry schema.Registry, lookup Lookup, opts Options) *Normalizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Normalizer{registry: registry, lookup: lookup, opts: opts}
}

// Normalize validates raw against the schema of sourceID and returns the
// canonical event. declared is the source's observation timestamp.
func (n *Normalizer) Normalize(ctx context.Context, raw map[string]any, sourceID string, declared time.Time) (Result, error) {
	s, ok := n.registry.SchemaFor(sourceID)
	if !ok {
		return Result{}, reject(UnknownSource, "", "no schema registered for source %q", sourceID)
	}
	if declared.IsZero() {
		return Result{}, reject(InvalidTimestamp, "observed_at", "timestamp is required")
	}
	if n.opts.MaxClockSkew > 0 && declared.After(n.opts.Now().Add(n.opts.MaxClockSkew)) {
		return Result{}, reject(InvalidTimestamp, "observed_at", "%s is too far in the future", declared.UTC().Format(time.RFC3339))
	}
	if raw == nil {
		raw = map[string]any{}
	}

	doc, canonical, err := canonicalize(raw)
	if err != nil {
		return Result{}, reject(SchemaMismatch, "", "payload is not representable as JSON: %v", err)
	}
	payload, err := n.coerce(s, doc)
	if err != nil {
		return Result{}, err
	}
	if err := s.Validate(withoutNulls(s, doc)); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return Result{}, reject(SchemaMismatch, verr.Field, "%s", verr.Message)
		}
		return Result{}, reject(SchemaMismatch, "", "%v", err)
	}

	sum := sha256.Sum256(canonical)
	rawHash := hex.EncodeToString(sum[:])
	ev := event.Event{
		ID:         event.DeriveID(sourceID, rawHash),
		SourceID:   sourceID,
		ObservedAt: declared.UTC(),
		Payload:    payload,
		RawHash:    rawHash,
		Category:   Classify(s.Categories, payload),
	}

	if n.lookup != nil {
		prior, err := n.lookup.Event(ctx, ev.ID)
		switch {
		case err == nil:
			return Result{Event: prior, Duplicate: true}, nil
		case !errors.Is(err, errors.ErrNotFound):
			return Result{}, errors.Wrapf(err, "duplicate check for %s", ev.ID)
		}
	}
	return Result{Event: ev}, nil
}

// canonicalize round-trips raw through JSON so that every value is JSON-native,
// and returns the RFC 8785 serialization used for the raw hash.
func canonicalize(raw map[string]any) (map[string]any, []byte, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, err
	}
	canonical, err := jcs.Transform(b)
	if err != nil {
		return nil, nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, nil, err
	}
	return doc, canonical, nil
}

// withoutNulls drops declared attributes that are null. coerce has already
// rejected null required attributes, and a null optional one is absent.
func withoutNulls(s *schema.Schema, doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if _, declared := s.Attribute(k); declared && v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

func (n *Normalizer) coerce(s *schema.Schema, doc map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	if !s.Strict {
		for k, v := range doc {
			out[k] = v
		}
	}
	for _, a := range s.Attributes {
		v, present := doc[a.Name]
		if !present || v == nil {
			if a.Required {
				return nil, reject(MissingField, a.Name, "required attribute is missing")
			}
			delete(out, a.Name)
			continue
		}
		cv, err := n.coerceValue(a, v)
		if err != nil {
			return nil, err
		}
		if cv == nil {
			// Blank optional strings are dropped.
			delete(out, a.Name)
			continue
		}
		out[a.Name] = cv
	}
	return out, nil
}

func (n *Normalizer) coerceValue(a config.Attribute, v any) (any, error) {
	switch a.Type {
	case schema.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, reject(SchemaMismatch, a.Name, "expected string, got %s", typeName(v))
		}
		s = strings.TrimSpace(s)
		if s == "" {
			if a.Required {
				return nil, reject(MissingField, a.Name, "required attribute is blank")
			}
			return nil, nil
		}
		minLen := a.MinLength
		if minLen == 0 {
			minLen = n.opts.MinTextLength
		}
		if len([]rune(s)) < minLen {
			return nil, reject(SchemaMismatch, a.Name, "shorter than %d characters", minLen)
		}
		return s, nil
	case schema.TypeNumber:
		f, ok := v.(float64)
		if !ok {
			return nil, reject(SchemaMismatch, a.Name, "expected number, got %s", typeName(v))
		}
		return f, nil
	case schema.TypeInteger:
		f, ok := v.(float64)
		if !ok || f != math.Trunc(f) {
			return nil, reject(SchemaMismatch, a.Name, "expected integer, got %v", v)
		}
		return f, nil
	case schema.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, reject(SchemaMismatch, a.Name, "expected boolean, got %s", typeName(v))
		}
		return b, nil
	case schema.TypeTimestamp:
		t, err := timestampValue(v)
		if err != nil {
			return nil, reject(SchemaMismatch, a.Name, "%v", err)
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	case schema.TypeStringList:
		return stringList(a.Name, v)
	default:
		return nil, reject(SchemaMismatch, a.Name, "unsupported attribute type %q", a.Type)
	}
}

func stringList(name string, v any) (any, error) {
	switch x := v.(type) {
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return []any{s}, nil
		}
		return nil, nil
	case []any:
		out := make([]any, 0, len(x))
		for i, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, reject(SchemaMismatch, name, "element %d: expected string, got %s", i, typeName(item))
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	default:
		return nil, reject(SchemaMismatch, name, "expected list of strings, got %s", typeName(v))
	}
}

func timestampValue(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		return ParseTimestamp(x)
	case float64:
		sec, frac := math.Modf(x)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("expected timestamp, got %s", typeName(v))
	}
}

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339, a few common naive layouts (read as UTC)
// and unix seconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// ParseDeclared parses a boundary timestamp and reports failures as
// InvalidTimestamp normalization errors.
func ParseDeclared(s string) (time.Time, error) {
	t, err := ParseTimestamp(s)
	if err != nil {
		return time.Time{}, reject(InvalidTimestamp, "observed_at", "%v", err)
	}
	return t, nil
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "list"
	case map[string]any:
		return "object"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}
