package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medstore-io/medstore/internal/config"
	"github.com/medstore-io/medstore/internal/dicom"
	"github.com/medstore-io/medstore/internal/ingestion"
)

func setupInstanceStore(ctx context.Context, t *testing.T) (*InstanceStore, *Connection) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)

	conn, err := NewConnection(ctx, NewConfig(testDB.URL))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
	})

	store, err := NewInstanceStore(conn, time.Hour, time.Hour)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store, conn
}

func instanceStatus(ctx context.Context, t *testing.T, conn *Connection, watermark int64) string {
	t.Helper()

	var status string

	err := conn.QueryRowContext(ctx, `SELECT status FROM instances WHERE watermark = $1`, watermark).Scan(&status)
	require.NoError(t, err)

	return status
}

func TestInstanceStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, conn := setupInstanceStore(ctx, t)

	require.NoError(t, store.HealthCheck(ctx))

	t.Run("begin end delete", func(t *testing.T) {
		ds := newInstance("1.2.3", "1.2.3.4", "1.2.3.4.5")
		id := dicom.IdentifierOf(ds)

		watermark, err := store.BeginCreateInstance(ctx, ds)
		require.NoError(t, err)
		assert.Positive(t, watermark)
		assert.Equal(t, "pending", instanceStatus(ctx, t, conn, watermark))

		var raw []byte

		err = conn.QueryRowContext(ctx,
			`SELECT metadata FROM instance_metadata WHERE watermark = $1`, watermark).Scan(&raw)
		require.NoError(t, err)

		var metadata map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(raw, &metadata))
		assert.Contains(t, metadata, "00080018")

		require.NoError(t, store.EndCreateInstance(ctx, id, watermark))
		assert.Equal(t, "created", instanceStatus(ctx, t, conn, watermark))

		require.ErrorIs(t, store.EndCreateInstance(ctx, id, watermark), ingestion.ErrInstanceNotFound)

		require.NoError(t, store.DeleteInstance(ctx, id, watermark))
		require.ErrorIs(t, store.DeleteInstance(ctx, id, watermark), ingestion.ErrInstanceNotFound)

		var remaining int

		err = conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM instance_metadata WHERE watermark = $1`, watermark).Scan(&remaining)
		require.NoError(t, err)
		assert.Zero(t, remaining, "metadata removed by cascade")
	})

	t.Run("duplicate identifier", func(t *testing.T) {
		ds := newInstance("1.2.3", "1.2.3.4", "1.2.3.4.6")

		_, err := store.BeginCreateInstance(ctx, ds)
		require.NoError(t, err)

		_, err = store.BeginCreateInstance(ctx, ds)
		require.ErrorIs(t, err, ingestion.ErrInstanceAlreadyExists)
	})

	t.Run("concurrent duplicates have one winner", func(t *testing.T) {
		ds := newInstance("1.2.3", "1.2.3.4", "1.2.3.4.7")

		const attempts = 8

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			winners   int
			conflicts int
		)

		for range attempts {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := store.BeginCreateInstance(ctx, ds.Clone())

				mu.Lock()
				defer mu.Unlock()

				switch {
				case err == nil:
					winners++
				case errors.Is(err, ingestion.ErrInstanceAlreadyExists):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}

		wg.Wait()
		assert.Equal(t, 1, winners)
		assert.Equal(t, attempts-1, conflicts)
	})

	t.Run("cleanup removes stale pending rows only", func(t *testing.T) {
		stale := newInstance("1.2.9", "1.2.9.1", "1.2.9.1.1")
		fresh := newInstance("1.2.9", "1.2.9.1", "1.2.9.1.2")
		created := newInstance("1.2.9", "1.2.9.1", "1.2.9.1.3")

		staleWM, err := store.BeginCreateInstance(ctx, stale)
		require.NoError(t, err)

		freshWM, err := store.BeginCreateInstance(ctx, fresh)
		require.NoError(t, err)

		createdWM, err := store.BeginCreateInstance(ctx, created)
		require.NoError(t, err)
		require.NoError(t, store.EndCreateInstance(ctx, dicom.IdentifierOf(created), createdWM))

		_, err = conn.ExecContext(ctx,
			`UPDATE instances SET created_at = NOW() - INTERVAL '2 hours' WHERE watermark IN ($1, $2)`,
			staleWM, createdWM)
		require.NoError(t, err)

		deleted, err := store.CleanupPendingInstances(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, deleted, int64(1))

		var count int

		require.NoError(t, conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM instances WHERE watermark = $1`, staleWM).Scan(&count))
		assert.Zero(t, count)

		assert.Equal(t, "pending", instanceStatus(ctx, t, conn, freshWM))
		assert.Equal(t, "created", instanceStatus(ctx, t, conn, createdWM))

		_, err = store.BeginCreateInstance(ctx, stale)
		assert.NoError(t, err, "identifier is reusable after cleanup")
	})
}

func TestInstanceStore_CloseIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := setupInstanceStore(ctx, t)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
}

func TestNewInstanceStore_Validation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	_, err := NewInstanceStore(nil, time.Minute, time.Minute)
	require.ErrorIs(t, err, ErrNoDatabaseConnection)

	_, err = NewInstanceStore(&Connection{}, 0, time.Minute)
	require.ErrorIs(t, err, ErrInvalidCleanupInterval)

	_, err = NewInstanceStore(&Connection{}, time.Minute, 0)
	require.ErrorIs(t, err, ErrInvalidPendingTTL)
}
