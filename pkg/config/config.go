package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/types"
)

// Config holds the bucket configuration. Field names follow the documented
// option names; zero values are replaced by defaults in Default/Load.
type Config struct {
	DataDir string `yaml:"data_dir"`

	HTSize  int `yaml:"ht_size"`
	HTLocks int `yaml:"ht_locks"`

	MaxVBuckets  int `yaml:"max_vbuckets"`
	MaxNumShards int `yaml:"max_num_shards"`

	MaxSize    int64 `yaml:"max_size"`
	MemHighWat int64 `yaml:"mem_high_wat"`
	MemLowWat  int64 `yaml:"mem_low_wat"`

	ItemEvictionPolicy types.EvictionPolicy `yaml:"item_eviction_policy"`

	ExpPagerEnabled        bool `yaml:"exp_pager_enabled"`
	ExpPagerStime          int  `yaml:"exp_pager_stime"`            // seconds
	ExpPagerInitialRunTime int  `yaml:"exp_pager_initial_run_time"` // wall-clock hour, -1 disables

	AlogPath      string `yaml:"alog_path"`
	AlogTaskTime  int    `yaml:"alog_task_time"`  // wall-clock hour, -1 disables
	AlogSleepTime int    `yaml:"alog_sleep_time"` // seconds

	BfilterEnabled            bool    `yaml:"bfilter_enabled"`
	BfilterFPProb             float64 `yaml:"bfilter_fp_prob"`
	BfilterResidencyThreshold float64 `yaml:"bfilter_residency_threshold"`

	CompactionWriteQueueCap int `yaml:"compaction_write_queue_cap"`

	WarmupMinItemsThreshold  int `yaml:"warmup_min_items_threshold"`  // percent
	WarmupMinMemoryThreshold int `yaml:"warmup_min_memory_threshold"` // percent

	BGFetchDelay int `yaml:"bg_fetch_delay"` // seconds

	MaxNumReaders int `yaml:"max_num_readers"`
	MaxNumWriters int `yaml:"max_num_writers"`
	MaxNumAuxIO   int `yaml:"max_num_auxio"`
	MaxNumNonIO   int `yaml:"max_num_nonio"`

	GetlDefaultTimeout int `yaml:"getl_default_timeout"` // seconds
	GetlMaxTimeout     int `yaml:"getl_max_timeout"`     // seconds

	HlcDriftAheadThresholdUS  uint64 `yaml:"hlc_drift_ahead_threshold_us"`
	HlcDriftBehindThresholdUS uint64 `yaml:"hlc_drift_behind_threshold_us"`

	MaxCheckpointItems int `yaml:"max_checkpoint_items"`

	PagerActiveVBPcnt int `yaml:"pager_active_vb_pcnt"`
}

// Default returns a configuration with production defaults.
func Default() *Config {
	quota := int64(256 * 1024 * 1024)
	return &Config{
		DataDir: "data",

		HTSize:  3079,
		HTLocks: runtime.NumCPU(),

		MaxVBuckets:  1024,
		MaxNumShards: 4,

		MaxSize:    quota,
		MemHighWat: quota * 85 / 100,
		MemLowWat:  quota * 75 / 100,

		ItemEvictionPolicy: types.ValueOnly,

		ExpPagerEnabled:        true,
		ExpPagerStime:          3600,
		ExpPagerInitialRunTime: -1,

		AlogPath:      "access.log",
		AlogTaskTime:  2,
		AlogSleepTime: 86400,

		BfilterEnabled:            true,
		BfilterFPProb:             0.01,
		BfilterResidencyThreshold: 0.1,

		CompactionWriteQueueCap: 10000,

		WarmupMinItemsThreshold:  100,
		WarmupMinMemoryThreshold: 100,

		BGFetchDelay: 0,

		MaxNumReaders: 4,
		MaxNumWriters: 4,
		MaxNumAuxIO:   2,
		MaxNumNonIO:   2,

		GetlDefaultTimeout: 15,
		GetlMaxTimeout:     30,

		HlcDriftAheadThresholdUS:  5_000_000,
		HlcDriftBehindThresholdUS: 5_000_000,

		MaxCheckpointItems: 10000,

		PagerActiveVBPcnt: 40,
	}
}

// Load reads a yaml config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.MaxVBuckets <= 0 || c.MaxVBuckets > 65536 {
		return fmt.Errorf("max_vbuckets must be in 1..65536, got %d", c.MaxVBuckets)
	}
	if c.MaxNumShards <= 0 {
		return fmt.Errorf("max_num_shards must be positive, got %d", c.MaxNumShards)
	}
	if c.MaxNumShards > c.MaxVBuckets {
		return fmt.Errorf("max_num_shards %d exceeds max_vbuckets %d", c.MaxNumShards, c.MaxVBuckets)
	}
	if c.HTSize <= 0 {
		return fmt.Errorf("ht_size must be positive, got %d", c.HTSize)
	}
	if c.HTLocks <= 0 {
		return fmt.Errorf("ht_locks must be positive, got %d", c.HTLocks)
	}
	if c.MemLowWat > c.MemHighWat {
		return fmt.Errorf("mem_low_wat %d exceeds mem_high_wat %d", c.MemLowWat, c.MemHighWat)
	}
	if c.MemHighWat > c.MaxSize {
		return fmt.Errorf("mem_high_wat %d exceeds max_size %d", c.MemHighWat, c.MaxSize)
	}
	switch c.ItemEvictionPolicy {
	case types.ValueOnly, types.FullEviction:
	default:
		return fmt.Errorf("unknown item_eviction_policy %q", c.ItemEvictionPolicy)
	}
	if c.BfilterFPProb <= 0 || c.BfilterFPProb >= 1 {
		return fmt.Errorf("bfilter_fp_prob must be in (0,1), got %f", c.BfilterFPProb)
	}
	if c.GetlDefaultTimeout > c.GetlMaxTimeout {
		return fmt.Errorf("getl_default_timeout exceeds getl_max_timeout")
	}
	if c.WarmupMinItemsThreshold < 0 || c.WarmupMinItemsThreshold > 100 {
		return fmt.Errorf("warmup_min_items_threshold must be a percentage")
	}
	if c.WarmupMinMemoryThreshold < 0 || c.WarmupMinMemoryThreshold > 100 {
		return fmt.Errorf("warmup_min_memory_threshold must be a percentage")
	}
	if c.PagerActiveVBPcnt < 0 || c.PagerActiveVBPcnt > 100 {
		return fmt.Errorf("pager_active_vb_pcnt must be a percentage")
	}
	return nil
}

// ExpPagerInterval returns the expiry pager period.
func (c *Config) ExpPagerInterval() time.Duration {
	return time.Duration(c.ExpPagerStime) * time.Second
}

// AlogSleep returns the access scanner period.
func (c *Config) AlogSleep() time.Duration {
	return time.Duration(c.AlogSleepTime) * time.Second
}

// BGFetchSleep returns the minimum background fetch delay.
func (c *Config) BGFetchSleep() time.Duration {
	return time.Duration(c.BGFetchDelay) * time.Second
}

// GetlDefault returns the default GETL lock timeout.
func (c *Config) GetlDefault() time.Duration {
	return time.Duration(c.GetlDefaultTimeout) * time.Second
}

// GetlMax returns the maximum GETL lock timeout.
func (c *Config) GetlMax() time.Duration {
	return time.Duration(c.GetlMaxTimeout) * time.Second
}

// NumShards clamps the shard count to the vbucket count.
func (c *Config) NumShards() int {
	if c.MaxNumShards > c.MaxVBuckets {
		return c.MaxVBuckets
	}
	return c.MaxNumShards
}

// ShardForVBucket maps a vbucket to its owning shard.
func (c *Config) ShardForVBucket(vb types.VBucketID) int {
	return int(vb) % c.NumShards()
}
