//go:build integration

package sqlstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"influence/internal/storage"
	"influence/internal/storage/sqlstore"
	"influence/internal/storage/storagetest"
	"influence/pkg/testutil/containers"
)

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	store, err := sqlstore.New(pg.DB, sqlstore.Postgres, sqlstore.WithQueryPageSize(2))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))

	suite.Run(t, &storagetest.RepositorySuite{
		NewRepository: func() storage.Repository {
			require.NoError(t, pg.TruncateTables(context.Background(), "normalized_records", "companies"))
			return store
		},
	})
}

func TestPostgres_MigrateIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	store, err := sqlstore.New(pg.DB, sqlstore.Postgres)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))
}
