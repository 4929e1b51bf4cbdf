package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qri-io/lazyarray/zarr"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeThreads, cfg.Scheduler.Mode)
	assert.Equal(t, "gzip", cfg.Compressor().String())
	assert.Equal(t, 12, cfg.FormatOptions().MaxItems)

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestParseKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
scheduler:
  mode: sync
storage:
  kind: memory
  compressor: zstd
log:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, ModeSync, cfg.Scheduler.Mode)
	assert.Equal(t, 64, cfg.Chunks.Default)
	assert.Equal(t, "zstd", cfg.Compressor().String())
	assert.Equal(t, 1, cfg.Executor(nil, nil).Workers())

	l, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		description string
		doc         string
		errContains string
	}{
		{"unknown mode", "scheduler: {mode: processes}", "scheduler.mode"},
		{"negative workers", "scheduler: {workers: -1}", "scheduler.workers"},
		{"zero chunk size", "chunks: {default: 0}", "chunks.default"},
		{"unknown storage", "storage: {kind: s3}", "storage.kind"},
		{"badger without path", "storage: {kind: badger, path: ''}", "storage.path"},
		{"gcs without bucket", "storage: {kind: gcs}", "storage.bucket"},
		{"unknown codec", "storage: {compressor: blosc}", "storage.compressor"},
		{"negative max items", "display: {max_items: -1}", "display.max_items"},
		{"unknown level", "log: {level: loud}", "log.level"},
		{"not yaml", "scheduler: [", "parse"},
	}
	for _, c := range cases {
		t.Run(c.description, func(t *testing.T) {
			_, err := Parse([]byte(c.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.errContains)
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.Workers = 3
	cfg.Storage = StorageConfig{Kind: StorageGCS, Bucket: "arrays", Path: "runs", Compressor: "none"}
	d, err := cfg.YAML()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(d), "bucket: arrays"))

	path := filepath.Join(t.TempDir(), "lazyarray.yaml")
	require.NoError(t, os.WriteFile(path, d, 0644))
	back, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
	assert.Nil(t, back.Compressor())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	for _, kind := range []string{StorageMemory, StorageLocal, StorageBadger} {
		t.Run(kind, func(t *testing.T) {
			cfg := Default()
			cfg.Storage.Kind = kind
			cfg.Storage.Path = t.TempDir()
			s, closeStore, err := cfg.OpenStore(ctx, slog.Default())
			require.NoError(t, err)
			defer func() { assert.NoError(t, closeStore()) }()

			require.NoError(t, s.Put("k", strings.NewReader("v")))
			r, err := s.Get("k")
			require.NoError(t, err)
			r.Close()
			_, err = s.Get("missing")
			assert.ErrorIs(t, err, zarr.ErrNotfound)
		})
	}
}
