package claims

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		store, err := NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		_, err = store.pool.Exec(ctx, `TRUNCATE claims RESTART IDENTITY`)
		require.NoError(t, err)
		t.Cleanup(store.Close)
		return store
	})
}
