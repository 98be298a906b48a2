// Package config 实现 celljit 引擎配置的加载与保存
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// 常量定义
const (
	ConfigFileName = "celljit.toml" // 配置文件名
)

// Config 引擎配置
type Config struct {
	Scheduler   SchedulerConfig   `toml:"scheduler"`
	Speculative SpeculativeConfig `toml:"speculative"`
	Pool        PoolConfig        `toml:"pool"`
	Cache       CacheConfig       `toml:"cache"`
	Regalloc    RegallocConfig    `toml:"regalloc"`
}

// SchedulerConfig 编译调度配置
type SchedulerConfig struct {
	// LazyThreshold 惰性编译触发阈值（执行次数）
	LazyThreshold uint64 `toml:"lazy_threshold"`

	// Tier1Threshold 解释执行 -> 基线编译的提升阈值
	Tier1Threshold uint64 `toml:"tier1_threshold"`

	// Tier2Threshold 基线 -> 优化编译的提升阈值
	Tier2Threshold uint64 `toml:"tier2_threshold"`
}

// SpeculativeConfig 后台投机编译配置
type SpeculativeConfig struct {
	QueueCapacity    int `toml:"queue_capacity"`    // 投机队列容量
	SpeculationDepth int `toml:"speculation_depth"` // 向前投机深度
	HotBar           int `toml:"hot_bar"`           // 热度门槛
	BranchBoost      int `toml:"branch_boost"`      // 分支目标优先级加成
}

// PoolConfig 多线程编译池配置
type PoolConfig struct {
	// Workers 工作线程数，0 表示使用 CPU 核心数
	Workers int `toml:"workers"`
}

// CacheConfig 代码缓存与内联缓存配置
type CacheConfig struct {
	// CodeCacheCeiling 代码缓存容量上限（字节），0 表示不设上限
	CodeCacheCeiling int `toml:"code_cache_ceiling"`

	// InlineCapacity 内联缓存条目上限
	InlineCapacity int `toml:"inline_capacity"`
}

// RegallocConfig 寄存器分配配置
type RegallocConfig struct {
	// RegisterBudget 每个寄存器类别的可用寄存器数量
	RegisterBudget int `toml:"register_budget"`
}

// Default 生成默认配置
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			LazyThreshold:  10,
			Tier1Threshold: 10,
			Tier2Threshold: 1000,
		},
		Speculative: SpeculativeConfig{
			QueueCapacity:    1024,
			SpeculationDepth: 4,
			HotBar:           50,
			BranchBoost:      100,
		},
		Pool: PoolConfig{
			Workers: 0,
		},
		Cache: CacheConfig{
			CodeCacheCeiling: 0,
			InlineCapacity:   256,
		},
		Regalloc: RegallocConfig{
			RegisterBudget: 32,
		},
	}
}

// Load 从文件加载配置
// 文件中缺失的字段回落到默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Scheduler.LazyThreshold == 0 {
		return fmt.Errorf("scheduler.lazy_threshold must be positive")
	}
	if c.Scheduler.Tier2Threshold <= c.Scheduler.Tier1Threshold {
		return fmt.Errorf("scheduler.tier2_threshold (%d) must exceed tier1_threshold (%d)",
			c.Scheduler.Tier2Threshold, c.Scheduler.Tier1Threshold)
	}
	if c.Speculative.QueueCapacity <= 0 {
		return fmt.Errorf("speculative.queue_capacity must be positive")
	}
	if c.Pool.Workers < 0 {
		return fmt.Errorf("pool.workers must not be negative")
	}
	if c.Cache.CodeCacheCeiling < 0 {
		return fmt.Errorf("cache.code_cache_ceiling must not be negative")
	}
	if c.Cache.InlineCapacity <= 0 {
		return fmt.Errorf("cache.inline_capacity must be positive")
	}
	if c.Regalloc.RegisterBudget <= 0 {
		return fmt.Errorf("regalloc.register_budget must be positive")
	}
	return nil
}

// FindConfigFile 从指定路径向上查找配置文件
// 返回配置文件的完整路径，如果找不到则返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}

	var dir string
	if info.IsDir() {
		dir = startPath
	} else {
		dir = filepath.Dir(startPath)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	// 向上查找
	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
