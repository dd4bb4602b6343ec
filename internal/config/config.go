package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Sqlite struct {
		Dsn    string `yaml:"dsn"`
		Prefix string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`

	Browser struct {
		DevToolsURL string `yaml:"devToolsURL"`
		Bin         string `yaml:"bin"`
		Headless    bool   `yaml:"headless"`
	} `yaml:"browser"`

	Intercept struct {
		ProcessTimeoutMS int `yaml:"processTimeoutMS"`
	} `yaml:"intercept"`

	Wait struct {
		StabilityMS int `yaml:"stabilityMS"`
		TimeoutMS   int `yaml:"timeoutMS"`
		PollingMS   int `yaml:"pollingMS"`
	} `yaml:"wait"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	cfg := &Config{Version: "1.0.0"}
	cfg.Sqlite.Dsn = "db.sqlite3"
	cfg.Sqlite.Prefix = "cdpfluent_"
	cfg.Log.Level = "info"
	cfg.Log.Writer = []string{"console"}
	cfg.Log.File = "logs/cdpfluent.log"
	cfg.Browser.Headless = true
	cfg.Intercept.ProcessTimeoutMS = 3000
	cfg.Wait.StabilityMS = 300
	cfg.Wait.TimeoutMS = 30000
	cfg.Wait.PollingMS = 50
	return cfg
}

// Load 从 YAML 文件加载配置，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ProcessTimeout 单次拦截处理的超时时间
func (c *Config) ProcessTimeout() time.Duration {
	if c.Intercept.ProcessTimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.Intercept.ProcessTimeoutMS) * time.Millisecond
}
