package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/forumcrawl/internal/snapshot"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateTable)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	s, err := New(context.Background(), mockPool, "default", logger)
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, "default", zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return error if the table cannot be created", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		ddlErr := errors.New("permission denied")
		mockPool.ExpectPing()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlCreateTable)).WillReturnError(ddlErr)

		_, err = New(context.Background(), mockPool, "default", zap.NewNop())
		assert.ErrorIs(t, err, ddlErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSave(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	snap := &snapshot.Snapshot{Cookies: []snapshot.Cookie{{Name: "sid", Value: "1", Domain: "forum.example", Path: "/"}}}
	isDocument := ArgumentMatcherFunc(func(v interface{}) bool {
		doc, ok := v.([]byte)
		return ok && strings.Contains(string(doc), `"sid"`)
	})

	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSnapshot)).
		WithArgs("default", isDocument, fixed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Save(context.Background(), snap))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveError(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	dbErr := errors.New("connection reset")
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertSnapshot)).
		WithArgs("default", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(dbErr)

	err := s.Save(context.Background(), &snapshot.Snapshot{})
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		doc := []byte(`{"cookies":[{"name":"sid","value":"1","domain":"forum.example","path":"/"}],"origins":[]}`)
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSnapshot)).
			WithArgs("default").
			WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow(doc))

		snap, ok := s.Load(ctx)
		require.True(t, ok)
		require.Len(t, snap.Cookies, 1)
		assert.Equal(t, "sid", snap.Cookies[0].Name)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("absent row", func(t *testing.T) {
		core, logs := observer.New(zapcore.InfoLevel)
		s, mockPool := newMockStore(t, zap.New(core))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSnapshot)).
			WithArgs("default").
			WillReturnError(pgx.ErrNoRows)

		snap, ok := s.Load(ctx)
		assert.False(t, ok)
		assert.Nil(t, snap)
		assert.Equal(t, 1, logs.FilterMessage("No saved session found.").Len())
	})

	t.Run("malformed document fails soft", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		s, mockPool := newMockStore(t, zap.New(core))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSnapshot)).
			WithArgs("default").
			WillReturnRows(pgxmock.NewRows([]string{"document"}).AddRow([]byte(`{oops`)))

		snap, ok := s.Load(ctx)
		assert.False(t, ok)
		assert.Nil(t, snap)
		assert.Equal(t, 1, logs.FilterMessage("Saved session is malformed; starting fresh.").Len())
	})

	t.Run("query error fails soft", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		s, mockPool := newMockStore(t, zap.New(core))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectSnapshot)).
			WithArgs("default").
			WillReturnError(errors.New("timeout"))

		_, ok := s.Load(ctx)
		assert.False(t, ok)
		assert.Equal(t, 1, logs.Len())
	})
}
