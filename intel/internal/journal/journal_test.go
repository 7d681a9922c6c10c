package journal

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

var day = time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)

func TestKey_Name(t *testing.T) {
	key := NewKey("/etc/intel/feeds/Spamhaus.yml", "DROP", day)
	assert.Equal(t, "spamhaus.yml-drop-2024-06-01", key.Name())
}

func TestJournal_CarryForward(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr, client := setupTestRedis(t)
			t.Cleanup(func() {
				client.Close()
				mr.Close()
			})
			return NewRedisStore(client, time.Hour)
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			key := NewKey("feeds.yml", "blocklist", day)

			first, err := Open(ctx, store, key)
			require.NoError(t, err)

			_, seen := first.Seen("198.51.100.1")
			assert.False(t, seen)
			first.Record("198.51.100.1", "id-1")
			first.Record("198.51.100.2", "id-2")
			require.NoError(t, first.Commit(ctx))

			second, err := Open(ctx, store, key)
			require.NoError(t, err)

			id, seen := second.Seen("198.51.100.1")
			assert.True(t, seen)
			assert.Equal(t, "id-1", id)
			require.NoError(t, second.Commit(ctx))

			// only values seen during the second run survive into its snapshot
			third, err := Open(ctx, store, key)
			require.NoError(t, err)
			id, seen = third.Seen("198.51.100.1")
			assert.True(t, seen)
			assert.Equal(t, "id-1", id)
			_, seen = third.Seen("198.51.100.2")
			assert.False(t, seen)
		})
	}
}

func TestJournal_SeenWithinRun(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	j, err := Open(context.Background(), store, NewKey("f.yml", "feed", day))
	require.NoError(t, err)

	j.Record("example.com", "abc")
	id, ok := j.Seen("example.com")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, 1, j.Len())
}

func TestJournal_DayScoped(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	today, err := Open(ctx, store, NewKey("f.yml", "feed", day))
	require.NoError(t, err)
	today.Record("example.com", "abc")
	require.NoError(t, today.Commit(ctx))

	tomorrow, err := Open(ctx, store, NewKey("f.yml", "feed", day.Add(24*time.Hour)))
	require.NoError(t, err)
	_, ok := tomorrow.Seen("example.com")
	assert.False(t, ok)
}

func TestFileStore_Corrupt(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
	}{
		{name: "empty", content: nil},
		{name: "bad magic", content: []byte("NOTAJOURNAL")},
		{name: "future version", content: append([]byte(fileMagic), 9)},
		{name: "truncated body", content: append([]byte(fileMagic), fileVersion, 0x01)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			key := NewKey("f.yml", "feed", day)
			require.NoError(t, os.WriteFile(store.Path(key), tt.content, 0o644))

			_, err = store.Load(context.Background(), key)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestFileStore_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	key := NewKey("f.yml", "feed", day)
	require.NoError(t, store.Save(context.Background(), key, map[string]string{"a": "1"}))
	require.NoError(t, store.Save(context.Background(), key, map[string]string{"b": "2"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, key.Name()+fileSuffix, entries[0].Name())

	got, err := store.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, got)
}

func TestRedisStore_TTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewRedisStore(client, 2*time.Hour)
	key := NewKey("f.yml", "feed", day)
	require.NoError(t, store.Save(context.Background(), key, map[string]string{"a": "1"}))

	assert.Equal(t, 2*time.Hour, mr.TTL(redisKey(key)))

	mr.FastForward(3 * time.Hour)
	got, err := store.Load(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, got)
}
