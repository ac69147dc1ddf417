package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceMergesDefaultsAndVersions(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Save(ctx, map[string]string{KeyWakeKeyword: "hello lamp"}))

	svc, err := NewService(ctx, store, map[string]string{KeyWakeKeyword: "hey assistant", KeyVolume: "9"}, nil)
	require.NoError(t, err)

	snap := svc.Snapshot()
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, "hello lamp", snap.WakeKeyword())
	assert.Equal(t, 9, snap.Volume(5))

	same, err := svc.Update(ctx, map[string]string{KeyVolume: "9"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), same.Version, "no-op update must not bump version")

	next, err := svc.Update(ctx, map[string]string{KeyVolume: "3"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Version)
	assert.Equal(t, "9", snap.Values[KeyVolume], "old snapshot must not change")

	persisted, _ := store.Load(ctx)
	assert.Equal(t, "3", persisted[KeyVolume])
}

func TestServiceSubscribeGetsLatest(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(ctx, NewInMemoryStore(), nil, nil)
	require.NoError(t, err)

	ch, cancel := svc.Subscribe()
	defer cancel()
	for i := 0; i < 5; i++ {
		_, err := svc.Update(ctx, map[string]string{KeyDisplayText: string(rune('a' + i))})
		require.NoError(t, err)
	}

	select {
	case snap := <-ch:
		assert.Equal(t, uint64(6), snap.Version)
		assert.Equal(t, "e", snap.DisplayText())
	case <-time.After(time.Second):
		t.Fatalf("no snapshot published")
	}

	cancel()
	_, err = svc.Update(ctx, map[string]string{KeyDisplayText: "z"})
	require.NoError(t, err)
	select {
	case snap := <-ch:
		t.Fatalf("unsubscribed channel got %+v", snap)
	default:
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.json")
	store := NewFileStore(path)

	values, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, values)

	require.NoError(t, store.Save(ctx, map[string]string{KeyWakeKeyword: "hey lamp"}))
	require.NoError(t, store.Save(ctx, map[string]string{KeyVolume: "4"}))

	reopened := NewFileStore(path)
	values, err = reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{KeyWakeKeyword: "hey lamp", KeyVolume: "4"}, values)
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o600))
	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestNewStorePicksBackend(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(ctx, "", "", "dk")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = NewStore(ctx, "", filepath.Join(t.TempDir(), "s.json"), "dk")
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("VOXLINK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("VOXLINK_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn, "test-device-"+time.Now().Format("150405.000"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, map[string]string{KeyWakeKeyword: "a", KeyVolume: "2"}))
	require.NoError(t, store.Save(ctx, map[string]string{KeyVolume: "7"}))
	values, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{KeyWakeKeyword: "a", KeyVolume: "7"}, values)
}
