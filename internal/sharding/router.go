// Package sharding maps routing keys (user ids or room ids) to shard ids.
//
// Routers are pure: the same key under the same configuration always lands on
// the same shard. Changing the router or its configuration after data has been
// written breaks that locality and requires a migration.
package sharding

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidConfig is returned when a router cannot be built from its configuration
var ErrInvalidConfig = errors.New("invalid sharding config")

// Router maps a routing key to a shard id in [0, NumShards()).
type Router interface {
	Route(key int64) int
	Name() string
	NumShards() int
}

// Strategy names accepted by New
const (
	StrategyHash  = "hash"
	StrategyRange = "range"
)

// New builds the router selected by strategy. ranges is only used by the range strategy.
func New(strategy string, numShards int, ranges string) (Router, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case StrategyHash:
		return NewHashRouter(numShards)
	case StrategyRange:
		intervals, err := ParseRanges(ranges)
		if err != nil {
			return nil, err
		}
		return NewRangeRouter(numShards, intervals)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q (expected hash or range)", ErrInvalidConfig, strategy)
	}
}

// --------------------------------------------------------------------------
// Hash routing
// --------------------------------------------------------------------------

// HashRouter spreads keys uniformly with key mod numShards.
// Filters on any other dimension must fan out to every shard.
type HashRouter struct {
	numShards int
}

// NewHashRouter creates a modulo router over numShards shards
func NewHashRouter(numShards int) (*HashRouter, error) {
	if numShards <= 0 {
		return nil, fmt.Errorf("%w: shard count must be positive, got %d", ErrInvalidConfig, numShards)
	}
	return &HashRouter{numShards: numShards}, nil
}

// Route returns key mod numShards, normalised so negative keys stay in range
func (r *HashRouter) Route(key int64) int {
	n := int64(r.numShards)
	return int(((key % n) + n) % n)
}

// Name returns the strategy name
func (r *HashRouter) Name() string {
	return fmt.Sprintf("Hash Partitioning (%d shards)", r.numShards)
}

// NumShards returns the number of shards
func (r *HashRouter) NumShards() int {
	return r.numShards
}

// --------------------------------------------------------------------------
// Range routing
// --------------------------------------------------------------------------

// Interval is an inclusive key range owned by one shard
type Interval struct {
	Low  int64
	High int64
}

// RangeRouter assigns contiguous key intervals to shards.
// Keys outside every interval fall into the last shard.
type RangeRouter struct {
	intervals []Interval
}

// NewRangeRouter validates that intervals are contiguous, non-overlapping and
// that the last one is unbounded above.
func NewRangeRouter(numShards int, intervals []Interval) (*RangeRouter, error) {
	if numShards <= 0 {
		return nil, fmt.Errorf("%w: shard count must be positive, got %d", ErrInvalidConfig, numShards)
	}
	if len(intervals) != numShards {
		return nil, fmt.Errorf("%w: %d ranges configured for %d shards", ErrInvalidConfig, len(intervals), numShards)
	}

	for i, iv := range intervals {
		if iv.Low > iv.High {
			return nil, fmt.Errorf("%w: range %d has low %d above high %d", ErrInvalidConfig, i, iv.Low, iv.High)
		}
		if i > 0 && iv.Low != intervals[i-1].High+1 {
			return nil, fmt.Errorf("%w: range %d starts at %d, expected %d", ErrInvalidConfig, i, iv.Low, intervals[i-1].High+1)
		}
	}
	if intervals[len(intervals)-1].High != math.MaxInt64 {
		return nil, fmt.Errorf("%w: last range must be unbounded above", ErrInvalidConfig)
	}

	copied := make([]Interval, len(intervals))
	copy(copied, intervals)
	return &RangeRouter{intervals: copied}, nil
}

// Route binary searches the interval containing key
func (r *RangeRouter) Route(key int64) int {
	last := len(r.intervals) - 1
	if key < r.intervals[0].Low {
		return last
	}
	idx := sort.Search(len(r.intervals), func(i int) bool {
		return key <= r.intervals[i].High
	})
	if idx > last {
		return last
	}
	return idx
}

// Name returns the strategy name
func (r *RangeRouter) Name() string {
	return fmt.Sprintf("Range Partitioning (%d shards)", len(r.intervals))
}

// NumShards returns the number of shards
func (r *RangeRouter) NumShards() int {
	return len(r.intervals)
}

// Intervals returns a copy of the configured intervals
func (r *RangeRouter) Intervals() []Interval {
	out := make([]Interval, len(r.intervals))
	copy(out, r.intervals)
	return out
}

// ParseRanges parses "1-1000,1001-2000,2001-" into intervals.
// Only the last range may omit its upper bound.
func ParseRanges(input string) ([]Interval, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("%w: no ranges configured", ErrInvalidConfig)
	}

	parts := strings.Split(input, ",")
	intervals := make([]Interval, 0, len(parts))
	for i, part := range parts {
		bounds := strings.SplitN(strings.TrimSpace(part), "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("%w: invalid range format: %s (expected LOW-HIGH)", ErrInvalidConfig, part)
		}

		low, err := strconv.ParseInt(strings.TrimSpace(bounds[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid range low %q: %v", ErrInvalidConfig, bounds[0], err)
		}

		high := int64(math.MaxInt64)
		if hs := strings.TrimSpace(bounds[1]); hs != "" {
			high, err = strconv.ParseInt(hs, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid range high %q: %v", ErrInvalidConfig, bounds[1], err)
			}
		} else if i != len(parts)-1 {
			return nil, fmt.Errorf("%w: only the last range may be open-ended: %s", ErrInvalidConfig, part)
		}

		intervals = append(intervals, Interval{Low: low, High: high})
	}

	return intervals, nil
}
