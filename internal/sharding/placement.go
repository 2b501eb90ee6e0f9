package sharding

import (
	"fmt"
	"strings"

	"coupon-service/internal/models"
)

// Dimension selects which field of a grab result is the routing key
type Dimension string

const (
	DimensionUser Dimension = "user"
	DimensionRoom Dimension = "room"
)

// ParseDimension parses "user" or "room"
func ParseDimension(s string) (Dimension, error) {
	switch d := Dimension(strings.ToLower(strings.TrimSpace(s))); d {
	case DimensionUser, DimensionRoom:
		return d, nil
	default:
		return "", fmt.Errorf("%w: unknown routing key %q (expected user or room)", ErrInvalidConfig, s)
	}
}

// Placement binds a router to the dimension it routes on. It is the single
// point where the write path and the read path agree on shard ownership.
type Placement struct {
	router    Router
	dimension Dimension
}

// NewPlacement creates a placement
func NewPlacement(router Router, dimension Dimension) *Placement {
	return &Placement{router: router, dimension: dimension}
}

// ShardFor returns the shard that owns result
func (p *Placement) ShardFor(result *models.GrabResult) int {
	if p.dimension == DimensionRoom {
		return p.router.Route(result.RoomID)
	}
	return p.router.Route(result.UserID)
}

// Route maps a raw key of the placement's dimension to its shard
func (p *Placement) Route(key int64) int {
	return p.router.Route(key)
}

// ShardsForUser returns the shards that may hold results of userID.
// A single shard when routing by user, every shard otherwise.
func (p *Placement) ShardsForUser(userID int64) []int {
	if p.dimension == DimensionUser {
		return []int{p.router.Route(userID)}
	}
	return p.AllShards()
}

// ShardsForRoom returns the shards that may hold results of roomID
func (p *Placement) ShardsForRoom(roomID int64) []int {
	if p.dimension == DimensionRoom {
		return []int{p.router.Route(roomID)}
	}
	return p.AllShards()
}

// AllShards returns every shard id
func (p *Placement) AllShards() []int {
	ids := make([]int, p.router.NumShards())
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// NumShards returns the number of shards
func (p *Placement) NumShards() int {
	return p.router.NumShards()
}

// Dimension returns the routing dimension
func (p *Placement) Dimension() Dimension {
	return p.dimension
}

// Name describes the router and its dimension
func (p *Placement) Name() string {
	return fmt.Sprintf("%s by %s_id", p.router.Name(), p.dimension)
}
