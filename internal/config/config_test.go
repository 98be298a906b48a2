// config_test.go - 配置加载测试

package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestDefault 测试默认配置合法
func TestDefault(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.Scheduler.LazyThreshold != 10 {
		t.Errorf("LazyThreshold = %d, want 10", c.Scheduler.LazyThreshold)
	}
	if c.Speculative.BranchBoost != 100 {
		t.Errorf("BranchBoost = %d, want 100", c.Speculative.BranchBoost)
	}
}

// TestLoadPartial 测试缺失字段回落到默认值
func TestLoadPartial(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	content := "[scheduler]\nlazy_threshold = 5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Scheduler.LazyThreshold != 5 {
		t.Errorf("LazyThreshold = %d, want 5", c.Scheduler.LazyThreshold)
	}
	// 未写入的段保持默认
	if c.Speculative.QueueCapacity != 1024 {
		t.Errorf("QueueCapacity = %d, want default 1024", c.Speculative.QueueCapacity)
	}
	if c.Regalloc.RegisterBudget != 32 {
		t.Errorf("RegisterBudget = %d, want default 32", c.Regalloc.RegisterBudget)
	}
}

// TestSaveLoad 测试保存后可重新加载
func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)

	c := Default()
	c.Pool.Workers = 4
	c.Cache.CodeCacheCeiling = 1 << 20
	if err := c.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Pool.Workers != 4 {
		t.Errorf("Workers = %d, want 4", loaded.Pool.Workers)
	}
	if loaded.Cache.CodeCacheCeiling != 1<<20 {
		t.Errorf("CodeCacheCeiling = %d, want 1<<20", loaded.Cache.CodeCacheCeiling)
	}
}

// TestValidate 测试非法配置被拒绝
func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero lazy threshold", func(c *Config) { c.Scheduler.LazyThreshold = 0 }},
		{"tier2 below tier1", func(c *Config) { c.Scheduler.Tier2Threshold = c.Scheduler.Tier1Threshold }},
		{"zero queue capacity", func(c *Config) { c.Speculative.QueueCapacity = 0 }},
		{"negative workers", func(c *Config) { c.Pool.Workers = -1 }},
		{"zero inline capacity", func(c *Config) { c.Cache.InlineCapacity = 0 }},
		{"zero register budget", func(c *Config) { c.Regalloc.RegisterBudget = 0 }},
	}

	for _, tc := range cases {
		c := Default()
		tc.mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: Validate should have failed", tc.name)
		}
	}
}

// TestLoadMissing 测试不存在的文件返回错误
func TestLoadMissing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load of missing file should fail")
	}
}

// TestFindConfigFile 测试向上查找配置文件
func TestFindConfigFile(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, ConfigFileName)
	if err := Default().Save(path); err != nil {
		t.Fatal(err)
	}

	found := FindConfigFile(sub)
	if found != path {
		t.Errorf("FindConfigFile = %q, want %q", found, path)
	}
}
