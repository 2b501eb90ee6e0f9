package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"coupon-service/internal/models"
	"coupon-service/internal/sharding"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var resultColumns = []string{
	"result_id", "event_id", "user_id", "coupon_id", "room_id", "status",
	"fail_reason", "created_at", "use_status", "use_time",
}

func newMockStore(t *testing.T, numShards int, dimension sharding.Dimension) (*ShardedStore, []sqlmock.Sqlmock) {
	t.Helper()

	router, err := sharding.NewHashRouter(numShards)
	require.NoError(t, err)

	dbs := make([]*sqlx.DB, numShards)
	mocks := make([]sqlmock.Sqlmock, numShards)
	for i := range dbs {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		dbs[i] = sqlx.NewDb(db, "postgres")
		mocks[i] = mock
	}

	s, err := NewShardedStoreFromDBs(dbs, sharding.NewPlacement(router, dimension))
	require.NoError(t, err)
	return s, mocks
}

func assertExpectations(t *testing.T, mocks []sqlmock.Sqlmock) {
	t.Helper()
	for i, mock := range mocks {
		assert.NoError(t, mock.ExpectationsWereMet(), "shard %d", i)
	}
}

func sampleResult(userID, roomID int64) *models.GrabResult {
	return &models.GrabResult{
		EventID:   "evt-1",
		UserID:    userID,
		CouponID:  101,
		RoomID:    roomID,
		Status:    models.GrabStatusSuccess,
		CreatedAt: time.Date(2025, 11, 11, 20, 0, 0, 0, time.UTC),
		UseStatus: models.UseStatusNotUsed,
	}
}

func TestSaveResultWritesOwningShard(t *testing.T) {
	s, mocks := newMockStore(t, 2, sharding.DimensionUser)
	result := sampleResult(7, 1500)

	// user 7 is owned by shard 1; shard 0 must not be touched
	mocks[1].ExpectBegin()
	mocks[1].ExpectQuery(regexp.QuoteMeta("INSERT INTO grab_results")).
		WithArgs("evt-1", int64(7), int64(101), int64(1500), models.GrabStatusSuccess, nil,
			result.CreatedAt, models.UseStatusNotUsed).
		WillReturnRows(sqlmock.NewRows([]string{"result_id"}).AddRow(42))
	mocks[1].ExpectExec(regexp.QuoteMeta("INSERT INTO user_coupon_stats")).
		WithArgs(int64(7), result.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mocks[1].ExpectCommit()

	shard, err := s.SaveResult(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, 1, shard)
	assert.Equal(t, int64(42), result.ID)
	assertExpectations(t, mocks)
}

func TestSaveResultRoutesByRoom(t *testing.T) {
	s, mocks := newMockStore(t, 4, sharding.DimensionRoom)
	result := sampleResult(7, 1502)

	mocks[2].ExpectBegin()
	mocks[2].ExpectQuery(regexp.QuoteMeta("INSERT INTO grab_results")).
		WillReturnRows(sqlmock.NewRows([]string{"result_id"}).AddRow(1))
	mocks[2].ExpectExec(regexp.QuoteMeta("INSERT INTO user_coupon_stats")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mocks[2].ExpectCommit()

	shard, err := s.SaveResult(context.Background(), result)
	require.NoError(t, err)
	assert.Equal(t, 2, shard)
	assertExpectations(t, mocks)
}

func TestSaveResultDuplicateEvent(t *testing.T) {
	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
	}{
		{
			name: "conflict returns no row",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO grab_results")).
					WillReturnRows(sqlmock.NewRows([]string{"result_id"}))
			},
		},
		{
			name: "unique violation",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO grab_results")).
					WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mocks := newMockStore(t, 2, sharding.DimensionUser)

			mocks[0].ExpectBegin()
			tt.expect(mocks[0])
			mocks[0].ExpectRollback()

			result := sampleResult(8, 1500)
			_, err := s.SaveResult(context.Background(), result)
			assert.ErrorIs(t, err, ErrDuplicateResult)
			assert.Zero(t, result.ID)
			assertExpectations(t, mocks)
		})
	}
}

func TestSaveResultRollsBackOnStatsFailure(t *testing.T) {
	s, mocks := newMockStore(t, 2, sharding.DimensionUser)

	mocks[0].ExpectBegin()
	mocks[0].ExpectQuery(regexp.QuoteMeta("INSERT INTO grab_results")).
		WillReturnRows(sqlmock.NewRows([]string{"result_id"}).AddRow(5))
	mocks[0].ExpectExec(regexp.QuoteMeta("INSERT INTO user_coupon_stats")).
		WillReturnError(errors.New("connection reset"))
	mocks[0].ExpectRollback()

	result := sampleResult(8, 1500)
	_, err := s.SaveResult(context.Background(), result)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateResult)
	assert.Zero(t, result.ID)
	assertExpectations(t, mocks)
}

func TestResultsByUserHitsOneShard(t *testing.T) {
	s, mocks := newMockStore(t, 4, sharding.DimensionUser)
	created := time.Date(2025, 11, 11, 20, 0, 0, 0, time.UTC)

	mocks[1].ExpectQuery(regexp.QuoteMeta("FROM grab_results WHERE user_id = $1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(resultColumns).
			AddRow(1, "a", 5, 101, 1500, "SUCCESS", nil, created, "NOT_USED", nil).
			AddRow(2, "b", 5, 102, 1501, "SUCCESS", nil, created.Add(time.Minute), "NOT_USED", nil))

	rows, err := s.ResultsByUser(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "b", rows[0].EventID)
	assert.Nil(t, rows[0].FailReason)
	assertExpectations(t, mocks)
}

func TestResultsByUserEmpty(t *testing.T) {
	s, mocks := newMockStore(t, 2, sharding.DimensionUser)

	mocks[1].ExpectQuery(regexp.QuoteMeta("FROM grab_results WHERE user_id = $1")).
		WillReturnRows(sqlmock.NewRows(resultColumns))

	rows, err := s.ResultsByUser(context.Background(), 3)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestResultsByRoomFansOutUnderUserRouting(t *testing.T) {
	s, mocks := newMockStore(t, 3, sharding.DimensionUser)
	base := time.Date(2025, 11, 11, 20, 0, 0, 0, time.UTC)

	for i, mock := range mocks {
		rows := sqlmock.NewRows(resultColumns)
		for j := 0; j < 2; j++ {
			id := int64(i*10 + j)
			rows.AddRow(id, "evt", i, 101, 1500, "SUCCESS", nil,
				base.Add(time.Duration(id)*time.Second), "NOT_USED", nil)
		}
		mock.ExpectQuery(regexp.QuoteMeta("FROM grab_results WHERE room_id = $1")).
			WithArgs(int64(1500), 4).
			WillReturnRows(rows)
	}

	rows, err := s.ResultsByRoom(context.Background(), 1500, 4)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	var ids []int64
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{21, 20, 11, 10}, ids)
	assertExpectations(t, mocks)
}

func TestResultsByRoomSingleShardUnderRoomRouting(t *testing.T) {
	s, mocks := newMockStore(t, 4, sharding.DimensionRoom)

	mocks[0].ExpectQuery(regexp.QuoteMeta("FROM grab_results WHERE room_id = $1")).
		WithArgs(int64(1500), 100).
		WillReturnRows(sqlmock.NewRows(resultColumns))

	rows, err := s.ResultsByRoom(context.Background(), 1500, 100)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assertExpectations(t, mocks)
}

func TestResultsBetweenFailsOnShardError(t *testing.T) {
	s, mocks := newMockStore(t, 2, sharding.DimensionUser)
	start := time.Date(2025, 11, 11, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	mocks[0].ExpectQuery(regexp.QuoteMeta("WHERE created_at BETWEEN $1 AND $2")).
		WithArgs(start, end, 1000).
		WillReturnRows(sqlmock.NewRows(resultColumns))
	mocks[1].ExpectQuery(regexp.QuoteMeta("WHERE created_at BETWEEN $1 AND $2")).
		WithArgs(start, end, 1000).
		WillReturnError(errors.New("shard down"))

	_, err := s.ResultsBetween(context.Background(), start, end, 1000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shard 1")
}

func TestUserCouponStatsSumsShards(t *testing.T) {
	s, mocks := newMockStore(t, 2, sharding.DimensionRoom)
	early := time.Date(2025, 11, 11, 20, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	mocks[0].ExpectQuery(regexp.QuoteMeta("FROM user_coupon_stats WHERE user_id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "successful_grabs", "last_grab_at"}).
			AddRow(9, 2, late))
	mocks[1].ExpectQuery(regexp.QuoteMeta("FROM user_coupon_stats WHERE user_id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "successful_grabs", "last_grab_at"}).
			AddRow(9, 1, early))

	stats, err := s.UserCouponStats(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.SuccessfulGrabs)
	assert.True(t, late.Equal(stats.LastGrabAt))
}

func TestShardStats(t *testing.T) {
	s, mocks := newMockStore(t, 2, sharding.DimensionUser)

	mocks[0].ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM grab_results")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mocks[1].ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM grab_results")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	stats, err := s.ShardStats(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(7), stats[0].TotalRows)
	assert.Equal(t, 1, stats[1].ShardID)
	assert.Contains(t, stats[1].Strategy, "Hash Partitioning")
}

func TestEnsureSchema(t *testing.T) {
	s, mocks := newMockStore(t, 2, sharding.DimensionUser)

	for _, mock := range mocks {
		for range schema {
			mock.ExpectExec("CREATE (TABLE|INDEX) IF NOT EXISTS").
				WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}

	require.NoError(t, s.EnsureSchema(context.Background()))
	assertExpectations(t, mocks)
}

func TestNewShardedStoreRejectsMismatch(t *testing.T) {
	router, err := sharding.NewHashRouter(4)
	require.NoError(t, err)

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewShardedStoreFromDBs([]*sqlx.DB{sqlx.NewDb(db, "postgres")},
		sharding.NewPlacement(router, sharding.DimensionUser))
	assert.ErrorIs(t, err, sharding.ErrInvalidConfig)

	_, err = NewShardedStoreFromDBs(nil, sharding.NewPlacement(router, sharding.DimensionUser))
	assert.ErrorIs(t, err, ErrNoShards)
}
