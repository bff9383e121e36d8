package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/bustrack/transitsync/internal/model"
	"github.com/bustrack/transitsync/pkg/errors"
)

func openTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "nested", "transit.db")
	db, err := Open(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidConfig))
}

func TestNewCollection_InvalidBucket(t *testing.T) {
	db := openTestDB(t)

	_, err := NewCollection[model.Bus](db, "")
	assert.Error(t, err)
	_, err = NewCollection[model.Bus](db, syncBucket)
	assert.Error(t, err)
}

func TestCollection_SaveGetList(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	routes, err := NewCollection[model.Route](db, "routes")
	require.NoError(t, err)

	_, found, err := routes.Get(ctx, "R1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, routes.Save(ctx,
		model.Route{ID: "R2", Name: "Harbour", Fare: 12},
		model.Route{ID: "R1", Name: "Central", Fare: 10, StopIDs: []string{"S1", "S2"}},
	))

	r, found, err := routes.Get(ctx, "R1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10.0, r.Fare)
	assert.Equal(t, []string{"S1", "S2"}, r.StopIDs)

	all, err := routes.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "R1", all[0].ID)
	assert.Equal(t, "R2", all[1].ID)
}

func TestCollection_SaveIsUpsert(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	buses, err := NewCollection[model.Bus](db, "buses")
	require.NoError(t, err)

	batch := []model.Bus{{ID: "B1", Lat: 1, Lon: 1}, {ID: "B2", Lat: 2, Lon: 2}}
	require.NoError(t, buses.Save(ctx, batch...))
	require.NoError(t, buses.Save(ctx, batch...))
	require.NoError(t, buses.Save(ctx, model.Bus{ID: "B1", Lat: 5, Lon: 5}))

	all, err := buses.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 5.0, all[0].Lat)
}

func TestCollection_DeleteReplaceDeleteWhere(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	stops, err := NewCollection[model.Stop](db, "stops")
	require.NoError(t, err)

	require.NoError(t, stops.Save(ctx,
		model.Stop{ID: "S1", Name: "a"},
		model.Stop{ID: "S2", Name: "b"},
		model.Stop{ID: "S3", Name: "c"},
	))

	require.NoError(t, stops.Delete(ctx, "S1", "missing"))
	all, err := stops.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, stops.Replace(ctx, []model.Stop{{ID: "S3", Name: "c2"}, {ID: "S4", Name: "d"}}))
	all, err = stops.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "c2", all[0].Name)
	assert.Equal(t, "S4", all[1].ID)

	n, err := stops.DeleteWhere(ctx, func(s model.Stop) bool { return s.ID == "S4" })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	all, err = stops.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCollection_CanceledContext(t *testing.T) {
	db := openTestDB(t)
	buses, err := NewCollection[model.Bus](db, "buses")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, buses.Save(ctx, model.Bus{ID: "B1"}), context.Canceled)
	_, err = buses.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollection_Observe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := openTestDB(t)
	buses, err := NewCollection[model.Bus](db, "buses")
	require.NoError(t, err)
	require.NoError(t, buses.Save(ctx, model.Bus{ID: "B1"}))

	updates := buses.Observe(ctx)

	first := receive(t, updates)
	require.Len(t, first, 1)

	require.NoError(t, buses.Save(ctx, model.Bus{ID: "B2"}))
	assert.Eventually(t, func() bool {
		select {
		case items := <-updates:
			return len(items) == 2
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestCollection_ObserveIgnoresOtherBuckets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := openTestDB(t)
	buses, err := NewCollection[model.Bus](db, "buses")
	require.NoError(t, err)
	stops, err := NewCollection[model.Stop](db, "stops")
	require.NoError(t, err)

	updates := buses.Observe(ctx)
	receive(t, updates)

	require.NoError(t, stops.Save(ctx, model.Stop{ID: "S1"}))
	select {
	case items := <-updates:
		t.Fatalf("unexpected emission %v", items)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDB_Snapshot(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	routes, err := NewCollection[model.Route](db, "routes")
	require.NoError(t, err)
	require.NoError(t, routes.Save(ctx, model.Route{ID: "R1", Fare: 10}))

	var buf bytes.Buffer
	n, err := db.Snapshot(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	size, err := db.SnapshotSize()
	require.NoError(t, err)
	assert.Equal(t, n, size)

	// The snapshot is itself a valid database.
	copyPath := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, os.WriteFile(copyPath, buf.Bytes(), 0o600))
	restored, err := bolt.Open(copyPath, 0o600, nil)
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, restored.View(func(tx *bolt.Tx) error {
		assert.NotNil(t, tx.Bucket([]byte("routes")).Get([]byte("R1")))
		return nil
	}))
}

func TestSyncTracker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	db := openTestDB(t, WithClock(clock))
	tracker := NewSyncTracker(db)

	assert.True(t, tracker.IsStale("routes", time.Hour))
	_, ok, err := tracker.LastSync("routes")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tracker.MarkSynced("routes"))
	at, ok, err := tracker.LastSync("routes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, at.Equal(clock.Now()))
	assert.False(t, tracker.IsStale("routes", time.Hour))

	clock.Advance(61 * time.Minute)
	assert.True(t, tracker.IsStale("routes", time.Hour))
	assert.True(t, tracker.IsStale("buses", time.Hour))

	require.NoError(t, tracker.MarkSynced("routes"))
	require.NoError(t, tracker.Reset("routes"))
	assert.True(t, tracker.IsStale("routes", time.Hour))
}

func TestSyncTracker_PersistsAcrossReopen(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "transit.db")

	db, err := Open(cfg, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, NewSyncTracker(db).MarkSynced("stops"))
	require.NoError(t, db.Close())

	db, err = Open(cfg, WithClock(clock))
	require.NoError(t, err)
	defer db.Close()
	assert.False(t, NewSyncTracker(db).IsStale("stops", time.Minute))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}
