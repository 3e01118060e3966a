package event

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event is the canonical, immutable record of one ingested source event.
type Event struct {
	ID         string         `json:"event_id"`
	SourceID   string         `json:"source_id"`
	ObservedAt time.Time      `json:"observed_at"` // as reported by the source, UTC
	IngestedAt time.Time      `json:"ingested_at"` // assigned at ledger append
	Payload    map[string]any `json:"payload"`     // normalized, JSON-native values
	RawHash    string         `json:"raw_hash"`    // sha256 of the canonical raw payload
	Category   string         `json:"category,omitempty"`
	Origin     *Origin        `json:"origin,omitempty"` // who handed the event in first
}

// Origin is where a submission entered the system. It is informational and
// never part of the event id.
type Origin struct {
	Channel string `json:"channel"`          // api, batch
	Client  string `json:"client,omitempty"` // remote host
}

// Submission is what a producer hands to the ingestion boundary.
type Submission struct {
	SourceID   string         `json:"source_id"`
	ObservedAt time.Time      `json:"observed_at"`
	Payload    map[string]any `json:"payload"`
	Origin     *Origin        `json:"-"`
}

// DeriveID returns the content-derived event id for a payload digest from a source.
// The same raw payload from the same source always maps to the same id.
func DeriveID(sourceID, rawHash string) string {
	h := sha256.New()
	h.Write([]byte(sourceID))
	h.Write([]byte{0})
	h.Write([]byte(rawHash))
	return "evt_" + hex.EncodeToString(h.Sum(nil))[:32]
}
