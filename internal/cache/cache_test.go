package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshp123/gofan/internal/config"
)

func sampleRecords() []Record {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []Record{
		{ID: "a", Device: json.RawMessage(`{"device_id":"a"}`), State: json.RawMessage(`{"power":true}`), UpdatedAt: ts},
		{ID: "b", Device: json.RawMessage(`{"device_id":"b"}`), State: json.RawMessage(`{"power":false}`), UpdatedAt: ts},
	}
}

func TestSQLiteStoreReplacesSet(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "nested", "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	empty, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Save(ctx, sampleRecords()))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.JSONEq(t, `{"power":true}`, string(got[0].State))
	assert.True(t, got[0].UpdatedAt.Equal(sampleRecords()[0].UpdatedAt))

	require.NoError(t, store.Save(ctx, sampleRecords()[1:]))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestSnapshotRoundTripAndSchema(t *testing.T) {
	data, err := encodeSnapshot(sampleRecords())
	require.NoError(t, err)
	got, err := decodeSnapshot(data)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = decodeSnapshot([]byte(`{"schema_version":9,"records":[]}`))
	assert.Error(t, err)
}

func TestOpenSelectsBackend(t *testing.T) {
	store, err := Open(config.CacheConfig{Backend: "none"}, "bridge")
	require.NoError(t, err)
	assert.IsType(t, Nop{}, store)

	_, err = Open(config.CacheConfig{Backend: "s3"}, "bridge")
	assert.Error(t, err)

	_, err = Open(config.CacheConfig{Backend: "etcd"}, "bridge")
	assert.Error(t, err)
}

func TestObjectKeyAndEndpoint(t *testing.T) {
	assert.Equal(t, "gofan/cache/home.json", objectKey("", "home"))
	assert.Equal(t, "custom/accessories.json", objectKey("custom", ""))

	host, secure, err := parseEndpoint("http://minio:9000")
	require.NoError(t, err)
	assert.Equal(t, "minio:9000", host)
	assert.False(t, secure)

	host, secure, err = parseEndpoint("s3.amazonaws.com")
	require.NoError(t, err)
	assert.Equal(t, "s3.amazonaws.com", host)
	assert.True(t, secure)
}
