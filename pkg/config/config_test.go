package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, types.ValueOnly, cfg.ItemEvictionPolicy)
	assert.True(t, cfg.MemLowWat < cfg.MemHighWat)
	assert.True(t, cfg.MemHighWat < cfg.MaxSize)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "burrow.yaml")
	content := []byte(`
data_dir: /tmp/burrow-test
max_vbuckets: 64
max_num_shards: 4
item_eviction_policy: full_eviction
exp_pager_stime: 1800
getl_default_timeout: 5
getl_max_timeout: 20
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/burrow-test", cfg.DataDir)
	assert.Equal(t, 64, cfg.MaxVBuckets)
	assert.Equal(t, types.FullEviction, cfg.ItemEvictionPolicy)
	assert.Equal(t, 30*time.Minute, cfg.ExpPagerInterval())
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().HTSize, cfg.HTSize)
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero vbuckets", func(c *Config) { c.MaxVBuckets = 0 }},
		{"more shards than vbuckets", func(c *Config) { c.MaxVBuckets = 2; c.MaxNumShards = 4 }},
		{"low wat above high wat", func(c *Config) { c.MemLowWat = c.MemHighWat + 1 }},
		{"high wat above quota", func(c *Config) { c.MemHighWat = c.MaxSize + 1 }},
		{"bad eviction policy", func(c *Config) { c.ItemEvictionPolicy = "lru" }},
		{"bad fp prob", func(c *Config) { c.BfilterFPProb = 1.5 }},
		{"getl default above max", func(c *Config) { c.GetlDefaultTimeout = c.GetlMaxTimeout + 1 }},
		{"bad warmup item threshold", func(c *Config) { c.WarmupMinItemsThreshold = 150 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestShardForVBucket(t *testing.T) {
	cfg := Default()
	cfg.MaxNumShards = 4
	assert.Equal(t, 0, cfg.ShardForVBucket(0))
	assert.Equal(t, 1, cfg.ShardForVBucket(1))
	assert.Equal(t, 3, cfg.ShardForVBucket(7))
	assert.Equal(t, 0, cfg.ShardForVBucket(8))
}
