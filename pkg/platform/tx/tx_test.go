package tx

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(`CREATE TABLE items (name TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	return db
}

func count(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	return n
}

func insert(ctx context.Context, db *sql.DB, name string) error {
	_, err := Conn(ctx, db).ExecContext(ctx, `INSERT INTO items (name) VALUES (?)`, name)
	return err
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		db := openDB(t)
		err := Run(ctx, db, func(ctx context.Context) error {
			_, ok := From(ctx)
			assert.True(t, ok)
			return insert(ctx, db, "a")
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count(t, db))
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db := openDB(t)
		boom := errors.New("boom")
		err := Run(ctx, db, func(ctx context.Context) error {
			require.NoError(t, insert(ctx, db, "a"))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, count(t, db))
	})

	t.Run("nested run joins the outer transaction", func(t *testing.T) {
		db := openDB(t)
		boom := errors.New("boom")
		err := Run(ctx, db, func(ctx context.Context) error {
			outer, _ := From(ctx)
			require.NoError(t, Run(ctx, db, func(ctx context.Context) error {
				inner, _ := From(ctx)
				assert.Same(t, outer, inner)
				return insert(ctx, db, "a")
			}))
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, count(t, db))
	})
}

func TestWithTx_Nil(t *testing.T) {
	ctx := WithTx(context.Background(), nil)
	_, ok := From(ctx)
	assert.False(t, ok)
}
