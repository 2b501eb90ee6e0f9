package sharding

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultRanges = "1-1000,1001-2000,2001-3000,3001-"

func newRangeRouter(t *testing.T) *RangeRouter {
	t.Helper()
	intervals, err := ParseRanges(defaultRanges)
	require.NoError(t, err)
	r, err := NewRangeRouter(4, intervals)
	require.NoError(t, err)
	return r
}

func TestRoutersAreTotalAndDeterministic(t *testing.T) {
	hash, err := NewHashRouter(4)
	require.NoError(t, err)

	routers := []Router{hash, newRangeRouter(t)}
	keys := []int64{math.MinInt64, -7, -1, 0, 1, 999, 1000, 1001, 2500, 3001, 123456789, math.MaxInt64}

	for _, r := range routers {
		t.Run(r.Name(), func(t *testing.T) {
			for _, key := range keys {
				shard := r.Route(key)
				assert.GreaterOrEqual(t, shard, 0, "key %d", key)
				assert.Less(t, shard, r.NumShards(), "key %d", key)
				for i := 0; i < 3; i++ {
					assert.Equal(t, shard, r.Route(key), "key %d routed inconsistently", key)
				}
			}
		})
	}
}

func TestHashRouterModulo(t *testing.T) {
	r, err := NewHashRouter(4)
	require.NoError(t, err)

	assert.Equal(t, 0, r.Route(0))
	assert.Equal(t, 1, r.Route(1))
	assert.Equal(t, 3, r.Route(10087))
	assert.Equal(t, 3, r.Route(-1))
}

func TestRangeRouterIntervals(t *testing.T) {
	r := newRangeRouter(t)

	tests := []struct {
		key   int64
		shard int
	}{
		{1, 0},
		{1000, 0},
		{1001, 1},
		{1500, 1},
		{2000, 1},
		{2001, 2},
		{3000, 2},
		{3001, 3},
		{999999, 3},
		{math.MaxInt64, 3},
		// below the first boundary
		{0, 3},
		{-5, 3},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.shard, r.Route(tt.key), "key %d", tt.key)
	}
}

func TestRangeRouterPartitionProperty(t *testing.T) {
	r := newRangeRouter(t)
	rng := rand.New(rand.NewSource(7))

	for i, iv := range r.Intervals() {
		high := iv.High
		if high == math.MaxInt64 {
			high = iv.Low + 1_000_000
		}
		for n := 0; n < 200; n++ {
			a := iv.Low + rng.Int63n(high-iv.Low+1)
			b := iv.Low + rng.Int63n(high-iv.Low+1)
			assert.Equal(t, r.Route(a), r.Route(b))
			assert.Equal(t, i, r.Route(a))
		}
	}
}

func TestParseRangesErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"missing dash", "1000"},
		{"bad low", "x-10,11-"},
		{"bad high", "1-y,11-"},
		{"open range in the middle", "1-,11-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRanges(tt.input)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestNewRangeRouterValidation(t *testing.T) {
	tests := []struct {
		name      string
		numShards int
		input     string
	}{
		{"count mismatch", 3, defaultRanges},
		{"gap", 2, "1-100,200-"},
		{"overlap", 2, "1-100,50-"},
		{"bounded last", 2, "1-100,101-200"},
		{"inverted", 2, "100-1,2-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intervals, err := ParseRanges(tt.input)
			require.NoError(t, err)
			_, err = NewRangeRouter(tt.numShards, intervals)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestNew(t *testing.T) {
	r, err := New("hash", 4, "")
	require.NoError(t, err)
	assert.IsType(t, &HashRouter{}, r)

	r, err = New("RANGE", 4, defaultRanges)
	require.NoError(t, err)
	assert.IsType(t, &RangeRouter{}, r)

	_, err = New("consistent", 4, "")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New("hash", 0, "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHashDistributionOfDistinctUsers(t *testing.T) {
	r, err := NewHashRouter(4)
	require.NoError(t, err)

	counts := make([]int, 4)
	for userID := int64(1); userID <= 10000; userID++ {
		counts[r.Route(userID)]++
	}

	for shard, n := range counts {
		assert.InDelta(t, 2500, n, 250, "shard %d holds %d rows", shard, n)
	}
}

type grabRow struct {
	userID int64
	roomID int64
}

// hotRoomWorkload sends 70% of writes to room 1500 (inside shard 1's interval)
func hotRoomWorkload(n int) []grabRow {
	rng := rand.New(rand.NewSource(42))
	rows := make([]grabRow, n)
	for i := range rows {
		room := int64(1500)
		if rng.Float64() >= 0.7 {
			room = 1 + rng.Int63n(4000)
		}
		rows[i] = grabRow{userID: int64(i + 1), roomID: room}
	}
	return rows
}

func TestRangeRoutingHotspot(t *testing.T) {
	rows := hotRoomWorkload(10000)

	byRoom := NewPlacement(newRangeRouter(t), DimensionRoom)
	hash, err := NewHashRouter(4)
	require.NoError(t, err)
	byUser := NewPlacement(hash, DimensionUser)

	rangeCounts := make([]int, 4)
	hashCounts := make([]int, 4)
	for _, row := range rows {
		rangeCounts[byRoom.router.Route(row.roomID)]++
		hashCounts[byUser.router.Route(row.userID)]++
	}

	assert.GreaterOrEqual(t, float64(rangeCounts[1])/float64(len(rows)), 0.6,
		"range routing should concentrate the hot room on shard 1: %v", rangeCounts)

	for shard, n := range hashCounts {
		assert.InDelta(t, 2500, n, 250, "hash shard %d holds %d rows", shard, n)
	}
}
