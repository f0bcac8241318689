package observer

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// newPostgres starts a throwaway Postgres with testcontainers.
func newPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres: skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "start postgres")
	t.Cleanup(func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgres(t *testing.T) {
	s := newPostgres(t)
	for name, fn := range map[string]func(*testing.T, Store){
		"RecordsRunAndSteps": testRecordsRunAndSteps,
		"RunStatuses":        testRunStatuses,
		"Resumer":            testResumer,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.pool.Exec(context.Background(), "TRUNCATE pipeline_run_step, pipeline_run")
			require.NoError(t, err)
			fn(t, s)
		})
	}
}
