package zarr

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns every store that runs without external services. The GCS
// store joins when STORAGE_EMULATOR_HOST points at an emulator.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	bs, err := OpenBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	out := map[string]Store{
		MemoryStoreType: NewMemoryStore(),
		LocalStoreType:  local,
		BadgerStoreType: bs,
	}
	if os.Getenv("STORAGE_EMULATOR_HOST") != "" {
		ctx := context.Background()
		client, err := storage.NewClient(ctx)
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		bucket := "lazyarray-test"
		if err := client.Bucket(bucket).Create(ctx, "test", nil); err != nil && !strings.Contains(err.Error(), "409") {
			t.Fatalf("creating bucket: %s", err)
		}
		out[GCSStoreType] = NewGCSStore(client, bucket, uuid.NewString())
	}
	return out
}

func TestStores(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, name, s.Type())

			_, err := s.Get("a/.zarray")
			assert.ErrorIs(t, err, ErrNotfound)
			ok, err := exists(s, "a/.zarray")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Put("a/.zarray", strings.NewReader("first")))
			require.NoError(t, s.Put("a/.zarray", strings.NewReader("second")))
			require.NoError(t, s.Put("a/b/0.0", strings.NewReader("chunk")))

			d, err := readAll(s, "a/.zarray")
			require.NoError(t, err)
			assert.Equal(t, "second", string(d))
			d, err = readAll(s, "a/b/0.0")
			require.NoError(t, err)
			assert.Equal(t, "chunk", string(d))
			ok, err = exists(s, "a/b/0.0")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStoresAreSafeForConcurrentUse(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			keys := []string{"v/0.0", "v/0.1", "v/1.0", "v/1.1"}
			for _, k := range keys {
				wg.Add(1)
				go func(k string) {
					defer wg.Done()
					assert.NoError(t, s.Put(k, strings.NewReader(k)))
				}(k)
			}
			wg.Wait()
			for _, k := range keys {
				r, err := s.Get(k)
				require.NoError(t, err)
				d, err := io.ReadAll(r)
				require.NoError(t, err)
				require.NoError(t, r.Close())
				assert.Equal(t, k, string(d))
			}
		})
	}
}

func TestMemoryStoreKeys(t *testing.T) {
	s := NewMemoryStore()
	for _, k := range []string{"b/.zarray", "a/0", "a/.zarray"} {
		require.NoError(t, s.Put(k, strings.NewReader("")))
	}
	assert.Equal(t, []string{"a/.zarray", "a/0"}, s.Keys("a/"))
	assert.Len(t, s.Keys(""), 3)
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBadgerStore(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, bs.Put("k", strings.NewReader("v")))
	require.NoError(t, bs.Close())

	bs, err = OpenBadgerStore(BadgerOptions{Dir: dir})
	require.NoError(t, err)
	defer bs.Close()
	d, err := readAll(bs, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(d))

	_, err = OpenBadgerStore(BadgerOptions{})
	assert.Error(t, err)
}
