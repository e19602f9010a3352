package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/139QQ/Baostock-sub004/config"
)

// DataType identifies a class of market data served by the pipeline.
type DataType string

const (
	// DataTypeIndex covers broad market indices (composite, sector).
	DataTypeIndex DataType = "index"
	// DataTypeQuote covers single-instrument spot quotes.
	DataTypeQuote DataType = "quote"
	// DataTypeFundNAV covers fund net asset values.
	DataTypeFundNAV DataType = "fund_nav"
	// DataTypeHistory covers historical series points (k-lines).
	DataTypeHistory DataType = "history"
)

// Family groups strategies by their transport behaviour. The router uses it
// to honour a caller preference such as "prefer push".
type Family string

const (
	FamilyPush     Family = "push"
	FamilyPoll     Family = "poll"
	FamilyOnDemand Family = "on_demand"
)

// ParseFamily normalises the textual representation of a transport family.
func ParseFamily(value string) (Family, error) {
	if value == "" {
		return FamilyOnDemand, nil
	}
	switch Family(value) {
	case FamilyPush, FamilyPoll, FamilyOnDemand:
		return Family(value), nil
	default:
		return "", fmt.Errorf("unknown transport family %q", value)
	}
}

// Descriptor carries the static registration facts about a strategy. The
// router and orchestrator only read it; availability is reported live via
// Strategy.IsAvailable because it flips with the underlying transport.
type Descriptor struct {
	Name      string
	Priority  int
	Family    Family
	DataTypes []DataType
}

// Supports reports whether the descriptor lists the given data type.
func (d Descriptor) Supports(dt DataType) bool {
	for _, t := range d.DataTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// Request identifies the data a caller wants from a strategy. Key is the
// instrument identifier (symbol, fund code); an empty key asks for the
// strategy's default selection for the type. Params carry driver-specific
// hints such as a history range.
type Request struct {
	DataType DataType
	Key      string
	Params   map[string]string
}

// HealthStatus is the diagnostic snapshot a strategy exposes.
type HealthStatus struct {
	Strategy  string            `json:"strategy"`
	Available bool              `json:"available"`
	Healthy   bool              `json:"healthy"`
	State     string            `json:"state"`
	Message   string            `json:"message,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
	Details   map[string]string `json:"details,omitempty"`
}

// Strategy is the uniform capability contract over heterogeneous data
// transports (continuous push, periodic pull, on-demand pull).
//
// Fetch must fail fast with ErrUnavailable when the strategy is not
// available instead of blocking, and must signal expected conditions ("no
// data", transient upstream trouble) through typed errors rather than
// panics. Stream returns a lazy, non-restartable sequence that closes when
// the source ends or the strategy stops; strategies without a live feed
// return ErrStreamingUnsupported. Start and Stop toggle availability and
// must be safe to call repeatedly. Implementations must be safe for
// concurrent use because fetches, polls, and health checks run from
// different goroutines.
type Strategy interface {
	Descriptor() Descriptor
	IsAvailable() bool
	SupportsDataType(dt DataType) bool
	Fetch(ctx context.Context, req Request) (*Item, error)
	Stream(ctx context.Context, req Request) (*Stream, error)
	Start(ctx context.Context) error
	Stop() error
	Health() HealthStatus
}

// Dependencies groups the collaborators handed to strategy factories.
type Dependencies struct {
	// Clock is used for item timestamps; nil means time.Now.
	Clock func() time.Time
}

// Now returns the dependency clock, falling back to the wall clock.
func (d Dependencies) Now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// StrategyFactory constructs a strategy from its configuration block.
//
// Factories let transport implementations be wired into the pipeline
// without coupling the orchestrator to concrete types; they are registered
// per driver name through pipeline options.
type StrategyFactory func(cfg config.StrategyConfig, deps Dependencies, logger zerolog.Logger) (Strategy, error)
