package synthetic

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"time"
)

// sampler yields uniform samples in [0, 1). Implementations are not
// synchronised; the strategy draws under its own mutex.
type sampler interface {
	Sample() (float64, error)
}

// pseudoSampler wraps math/rand so seeded walks replay deterministically.
type pseudoSampler struct {
	rng *mathrand.Rand
}

func newPseudoSampler(seed *int64) *pseudoSampler {
	var src mathrand.Source
	if seed != nil {
		src = mathrand.NewSource(*seed)
	} else {
		src = mathrand.NewSource(time.Now().UnixNano())
	}
	return &pseudoSampler{rng: mathrand.New(src)}
}

func (s *pseudoSampler) Sample() (float64, error) {
	return s.rng.Float64(), nil
}

// secureSampler draws from crypto/rand for walks that must not be
// predictable across runs.
type secureSampler struct{}

func (secureSampler) Sample() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure sampler: %w", err)
	}
	// Mask the sign bit so the quotient stays in [0, 1].
	val := binary.BigEndian.Uint64(buf[:]) & math.MaxInt64
	return float64(val) / float64(math.MaxInt64), nil
}

func newSampler(source string, seed *int64) (sampler, error) {
	switch normalized := strings.TrimSpace(strings.ToLower(source)); normalized {
	case "", "pseudo", "mersenne", "math":
		return newPseudoSampler(seed), nil
	case "secure", "crypto":
		return secureSampler{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
}

// volumeInRange draws a trade volume uniformly from [min, max].
func volumeInRange(src sampler, min, max int64) (int64, error) {
	if max < min {
		return 0, fmt.Errorf("invalid volume range [%d, %d]", min, max)
	}
	if min == max {
		return min, nil
	}
	sample, err := src.Sample()
	if err != nil {
		return 0, err
	}
	value := min + int64(sample*float64(max-min+1))
	if value > max {
		value = max
	}
	return value, nil
}

// floorPrice keeps a walk from collapsing to zero or below, where the
// multiplicative step could never recover.
const floorPrice = 0.0001

// walk is the evolving state of one instrument series.
type walk struct {
	spec  seriesSpec
	price float64
}

func newWalk(spec seriesSpec) *walk {
	return &walk{spec: spec, price: spec.start}
}

// step advances the walk one tick: a relative drift plus a uniform shock
// scaled by the configured volatility. It returns the price before and
// after the step so history bars can use both.
func (w *walk) step(src sampler) (prev, next float64, err error) {
	sample, err := src.Sample()
	if err != nil {
		return 0, 0, err
	}
	shock := w.spec.volatility * (2*sample - 1)
	prev = w.price
	next = prev * (1 + w.spec.drift + shock)
	if next < floorPrice {
		next = floorPrice
	}
	w.price = next
	return prev, next, nil
}
