package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"coupon-service/internal/sharding"
	"coupon-service/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var ErrNoShards = errors.New("no shard connections configured")

// ShardedStore owns one connection pool per shard and places every
// grab result on the shard its routing key maps to.
type ShardedStore struct {
	shards    []*sqlx.DB
	placement *sharding.Placement
}

// Connect opens a single shard connection pool
func Connect(databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// NewShardedStore connects to every shard URL in order, so URL i is shard i
func NewShardedStore(urls []string, placement *sharding.Placement) (*ShardedStore, error) {
	dbs := make([]*sqlx.DB, 0, len(urls))
	for i, url := range urls {
		db, err := Connect(url)
		if err != nil {
			for _, opened := range dbs {
				opened.Close()
			}
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		dbs = append(dbs, db)
	}

	return NewShardedStoreFromDBs(dbs, placement)
}

// NewShardedStoreFromDBs wraps already opened shard connections
func NewShardedStoreFromDBs(dbs []*sqlx.DB, placement *sharding.Placement) (*ShardedStore, error) {
	if len(dbs) == 0 {
		return nil, ErrNoShards
	}
	if placement.NumShards() != len(dbs) {
		return nil, fmt.Errorf("%w: router has %d shards but %d connections were given",
			sharding.ErrInvalidConfig, placement.NumShards(), len(dbs))
	}

	return &ShardedStore{shards: dbs, placement: placement}, nil
}

// Close closes every shard connection
func (s *ShardedStore) Close() error {
	var errs []error
	for _, db := range s.shards {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping checks every shard is reachable
func (s *ShardedStore) Ping(ctx context.Context) error {
	for i, db := range s.shards {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return nil
}

// Shard returns the connection for a shard id
func (s *ShardedStore) Shard(id int) *sqlx.DB {
	return s.shards[id]
}

func (s *ShardedStore) NumShards() int {
	return len(s.shards)
}

func (s *ShardedStore) Placement() *sharding.Placement {
	return s.placement
}

// fanOut runs query on every listed shard concurrently and concatenates the rows.
// The first shard error fails the whole read.
func fanOut[T any](ctx context.Context, s *ShardedStore, shardIDs []int, query func(ctx context.Context, db *sqlx.DB) ([]T, error)) ([]T, error) {
	if len(shardIDs) == 1 {
		rows, err := query(ctx, s.shards[shardIDs[0]])
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", shardIDs[0], err)
		}
		return rows, nil
	}

	results := make([][]T, len(shardIDs))
	errs := make([]error, len(shardIDs))

	var wg sync.WaitGroup
	for i, id := range shardIDs {
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			rows, err := query(ctx, s.shards[id])
			if err != nil {
				errs[i] = fmt.Errorf("shard %d: %w", id, err)
				return
			}
			results[i] = rows
		}(i, id)
	}
	wg.Wait()

	var merged []T
	for i := range shardIDs {
		if errs[i] != nil {
			return nil, errs[i]
		}
		merged = append(merged, results[i]...)
	}
	return merged, nil
}

func observeQuery(query string, shards int, start time.Time) {
	util.ShardQueryLatency.
		WithLabelValues(query, strconv.FormatBool(shards > 1)).
		Observe(time.Since(start).Seconds())
}

// sortNewestFirst orders by creation time descending, breaking ties by id
func sortNewestFirst[T any](rows []T, createdAt func(T) time.Time, id func(T) int64) {
	sort.SliceStable(rows, func(i, j int) bool {
		ti, tj := createdAt(rows[i]), createdAt(rows[j])
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return id(rows[i]) > id(rows[j])
	})
}
