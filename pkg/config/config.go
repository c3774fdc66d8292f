package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// ListConfig 单个名单的配置，slot 为名单在存储中的键
type ListConfig struct {
	Name     string `yaml:"name"`
	Slot     string `yaml:"slot"`
	Autosave bool   `yaml:"autosave"`
}

type Config struct {
	Log struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		Filename   string `yaml:"filename"`
		MaxAge     int    `yaml:"max_age"`     // 小时
		RotateTime int    `yaml:"rotate_time"` // 小时
	} `yaml:"log"`

	Store struct {
		Type string `yaml:"type"`
		Path string `yaml:"path"`
	} `yaml:"store"`

	Resolver struct {
		AppsFile string `yaml:"apps_file"`
	} `yaml:"resolver"`

	Lists []ListConfig `yaml:"lists"`

	Rules struct {
		Directory string `yaml:"directory"` // 预置规则文件目录，启动时合并到名单
	} `yaml:"rules"`

	GeoIP struct {
		Database string `yaml:"database"` // MaxMind 国家数据库，为空时不填充国家代码
	} `yaml:"geoip"`

	Grace struct {
		Slot            string        `yaml:"slot"`
		DefaultDuration time.Duration `yaml:"default_duration"`
	} `yaml:"grace"`

	API struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"api"`

	Source struct {
		Type     string `yaml:"type"`
		Filename string `yaml:"filename"`
	} `yaml:"source"`

	Pipeline struct {
		WorkerCount int `yaml:"worker_count"`
		BufferSize  int `yaml:"buffer_size"`
	} `yaml:"pipeline"`

	Output struct {
		Filename    string `yaml:"filename"`
		MatchedOnly bool   `yaml:"matched_only"` // 只输出命中名单的连接
	} `yaml:"output"`
}

func (c *Config) applyDefaults() {
	if c.Log.Dir == "" {
		c.Log.Dir = "logs"
	}
	if c.Log.Filename == "" {
		c.Log.Filename = "matchlistd.log"
	}
	if c.Log.MaxAge <= 0 {
		c.Log.MaxAge = 24
	}
	if c.Log.RotateTime <= 0 {
		c.Log.RotateTime = 1
	}

	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}

	for i := range c.Lists {
		if c.Lists[i].Slot == "" {
			c.Lists[i].Slot = c.Lists[i].Name
		}
	}

	if c.Grace.Slot == "" {
		c.Grace.Slot = "grace_list"
	}
	if c.Grace.DefaultDuration <= 0 {
		c.Grace.DefaultDuration = time.Hour
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}

	if c.Pipeline.WorkerCount <= 0 {
		c.Pipeline.WorkerCount = 1
	}
	if c.Pipeline.BufferSize <= 0 {
		c.Pipeline.BufferSize = 1000
	}
	if c.Output.Filename == "" {
		c.Output.Filename = "output.json"
	}
}

func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreMemory:
	case StoreFile, StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for %s store", c.Store.Type)
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	if len(c.Lists) == 0 {
		return fmt.Errorf("at least one list is required")
	}
	names := make(map[string]bool, len(c.Lists))
	slots := make(map[string]bool, len(c.Lists))
	for _, l := range c.Lists {
		if l.Name == "" {
			return fmt.Errorf("list name is required")
		}
		if names[l.Name] {
			return fmt.Errorf("duplicate list name %q", l.Name)
		}
		names[l.Name] = true

		if l.Slot == "" {
			return fmt.Errorf("list %q has an empty slot", l.Name)
		}
		if slots[l.Slot] || l.Slot == c.Grace.Slot {
			return fmt.Errorf("slot %q is used more than once", l.Slot)
		}
		slots[l.Slot] = true
	}

	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}

	switch c.Source.Type {
	case "":
	case "file":
		if c.Source.Filename == "" {
			return fmt.Errorf("source filename is required")
		}
	default:
		return fmt.Errorf("unsupported source type %q", c.Source.Type)
	}

	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Pipeline.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive")
	}
	return nil
}

// Parse 解析YAML配置内容并补全默认值
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}
