package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QualityLevel orders the trustworthiness of a produced item. It breaks
// ties when two strategies return data for the same key.
type QualityLevel int

const (
	QualityPoor QualityLevel = iota
	QualityFair
	QualityGood
	QualityExcellent
)

var qualityNames = map[QualityLevel]string{
	QualityPoor:      "poor",
	QualityFair:      "fair",
	QualityGood:      "good",
	QualityExcellent: "excellent",
}

func (q QualityLevel) String() string {
	if name, ok := qualityNames[q]; ok {
		return name
	}
	return fmt.Sprintf("quality(%d)", int(q))
}

// MarshalJSON encodes the level as its textual name so cached items stay
// readable across versions.
func (q QualityLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

func (q *QualityLevel) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseQualityLevel(name)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// ParseQualityLevel maps a textual level back to its ordered value.
func ParseQualityLevel(value string) (QualityLevel, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "poor":
		return QualityPoor, nil
	case "fair":
		return QualityFair, nil
	case "good":
		return QualityGood, nil
	case "excellent":
		return QualityExcellent, nil
	default:
		return QualityPoor, fmt.Errorf("unknown quality level %q", value)
	}
}

// Item is one unit of market data produced by a strategy. Items are treated
// as immutable values once produced; use Clone before mutating a stored
// copy. Fields carries the numeric payload (prices, NAVs, volumes) with
// exact decimal arithmetic, Labels the textual payload (names, currencies).
type Item struct {
	ID        string                     `json:"id"`
	DataType  DataType                   `json:"data_type"`
	Key       string                     `json:"key"`
	Fields    map[string]decimal.Decimal `json:"fields,omitempty"`
	Labels    map[string]string          `json:"labels,omitempty"`
	Timestamp time.Time                  `json:"timestamp"`
	Quality   QualityLevel               `json:"quality"`
	Source    string                     `json:"source"`
	ExpiresAt *time.Time                 `json:"expires_at,omitempty"`
}

// New builds an item with a fresh identifier and empty payload maps.
func New(dataType DataType, key, source string, ts time.Time) *Item {
	return &Item{
		ID:        uuid.NewString(),
		DataType:  dataType,
		Key:       key,
		Fields:    make(map[string]decimal.Decimal),
		Labels:    make(map[string]string),
		Timestamp: ts,
		Source:    source,
	}
}

// Validate reports whether the item is complete enough to route or store.
func (it *Item) Validate() error {
	if it == nil {
		return errors.New("item is nil")
	}
	if it.DataType == "" {
		return errors.New("item data type must not be empty")
	}
	if it.Key == "" {
		return errors.New("item key must not be empty")
	}
	if it.Timestamp.IsZero() {
		return errors.New("item timestamp must be set")
	}
	return nil
}

// Clone returns a deep copy so callers can hold items beyond the producer's
// lifetime without sharing maps.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	out := *it
	if it.Fields != nil {
		out.Fields = make(map[string]decimal.Decimal, len(it.Fields))
		for k, v := range it.Fields {
			out.Fields[k] = v
		}
	}
	if it.Labels != nil {
		out.Labels = make(map[string]string, len(it.Labels))
		for k, v := range it.Labels {
			out.Labels[k] = v
		}
	}
	if it.ExpiresAt != nil {
		exp := *it.ExpiresAt
		out.ExpiresAt = &exp
	}
	return &out
}

// Expired reports whether the item has passed its expiry at the given
// instant. Items without ExpiresAt never expire on their own.
func (it *Item) Expired(now time.Time) bool {
	if it == nil || it.ExpiresAt == nil {
		return false
	}
	return !now.Before(*it.ExpiresAt)
}

// BetterThan reports whether this item should win over other for the same
// (data type, key): higher quality first, newer timestamp on equal quality.
func (it *Item) BetterThan(other *Item) bool {
	if it == nil {
		return false
	}
	if other == nil {
		return true
	}
	if it.Quality != other.Quality {
		return it.Quality > other.Quality
	}
	return it.Timestamp.After(other.Timestamp)
}
