package requestguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 请求治理配置
type Config struct {
	// Default 默认限流配置
	Default DefaultConfig `yaml:"default"`
	// Rules 限流规则列表
	Rules []RuleConfig `yaml:"rules"`
	// Whitelist 白名单配置
	Whitelist WhitelistConfig `yaml:"whitelist"`
	// Cache 缓存配置
	Cache CacheConfig `yaml:"cache"`
	// Redis Redis连接配置
	Redis RedisConfig `yaml:"redis"`
}

// DefaultConfig 默认限流配置
type DefaultConfig struct {
	// Enabled 是否启用限流
	Enabled bool `yaml:"enabled"`
	// Limit 默认限流阈值（请求数）
	Limit int64 `yaml:"limit"`
	// Window 默认时间窗口（如：60s, 1m, 1h）
	Window string `yaml:"window"`
}

// RuleConfig 规则配置
type RuleConfig struct {
	// Name 规则名称
	Name string `yaml:"name"`
	// Path 路径匹配（支持通配符 *）
	Path string `yaml:"path"`
	// Method HTTP方法（GET/POST等，为空表示所有方法）
	Method string `yaml:"method"`
	// By 限流维度（ip/user/path/custom）
	By string `yaml:"by"`
	// Limit 限流阈值（请求数）
	Limit int64 `yaml:"limit"`
	// Window 时间窗口（如：60s, 1m, 1h）
	Window string `yaml:"window"`
}

// WhitelistConfig 白名单配置
type WhitelistConfig struct {
	// IPs IP白名单
	IPs []string `yaml:"ips"`
	// Users 用户白名单
	Users []string `yaml:"users"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	// DefaultTTL 缓存默认过期时间（如：300s, 5m）
	DefaultTTL string `yaml:"default_ttl"`
}

// RedisConfig Redis连接配置
type RedisConfig struct {
	// Addr Redis地址（host:port）
	Addr string `yaml:"addr"`
	// Password Redis密码
	Password string `yaml:"password"`
	// DB Redis数据库编号
	DB int `yaml:"db"`
	// PoolSize 连接池大小
	PoolSize int `yaml:"pool_size"`
	// DialTimeout 连接超时（如：5s）
	DialTimeout string `yaml:"dial_timeout"`
	// ReadTimeout 命令超时（如：3s）
	ReadTimeout string `yaml:"read_timeout"`
}

// LoadConfig 从文件加载配置
func LoadConfig(filename string) (*Config, error) {
	// 读取文件
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 解析YAML
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	// 验证默认限流配置
	if config.Default.Enabled {
		if config.Default.Limit <= 0 {
			return fmt.Errorf("默认限流阈值必须大于0")
		}
		if _, err := parseDuration(config.Default.Window); err != nil {
			return fmt.Errorf("无效的默认时间窗口: %s", config.Default.Window)
		}
	}

	// 验证规则
	for i, rule := range config.Rules {
		if rule.Path == "" {
			return fmt.Errorf("规则[%d]缺少path字段", i)
		}
		if rule.By == "" {
			return fmt.Errorf("规则[%d]缺少by字段", i)
		}
		if !isValidLimitBy(rule.By) {
			return fmt.Errorf("规则[%d]无效的限流维度: %s", i, rule.By)
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("规则[%d]限流阈值必须大于0", i)
		}
		if _, err := parseDuration(rule.Window); err != nil {
			return fmt.Errorf("规则[%d]无效的时间窗口: %s", i, rule.Window)
		}
	}

	// 验证缓存配置
	if config.Cache.DefaultTTL != "" {
		if _, err := parseDuration(config.Cache.DefaultTTL); err != nil {
			return fmt.Errorf("无效的缓存过期时间: %s", config.Cache.DefaultTTL)
		}
	}

	// 验证Redis配置
	if config.Redis.DialTimeout != "" {
		if _, err := parseDuration(config.Redis.DialTimeout); err != nil {
			return fmt.Errorf("无效的Redis连接超时: %s", config.Redis.DialTimeout)
		}
	}
	if config.Redis.ReadTimeout != "" {
		if _, err := parseDuration(config.Redis.ReadTimeout); err != nil {
			return fmt.Errorf("无效的Redis命令超时: %s", config.Redis.ReadTimeout)
		}
	}

	return nil
}

// isValidLimitBy 检查限流维度是否有效
func isValidLimitBy(by string) bool {
	switch LimitBy(by) {
	case LimitByIP, LimitByUser, LimitByPath, LimitByCustom:
		return true
	default:
		return false
	}
}

// parseDuration 解析时间窗口字符串
func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// ToRule 将配置规则转换为内部规则
func (rc *RuleConfig) ToRule() (*Rule, error) {
	window, err := parseDuration(rc.Window)
	if err != nil {
		return nil, err
	}

	return &Rule{
		Name:   rc.Name,
		Path:   rc.Path,
		Method: strings.ToUpper(rc.Method),
		By:     LimitBy(rc.By),
		Limit:  rc.Limit,
		Window: window,
	}, nil
}

// GetConfigPath 获取配置文件路径（支持相对路径和绝对路径）
func GetConfigPath(filename string) (string, error) {
	// 如果是绝对路径，直接返回
	if filepath.IsAbs(filename) {
		return filename, nil
	}

	// 尝试从当前工作目录查找
	if _, err := os.Stat(filename); err == nil {
		return filename, nil
	}

	// 尝试从可执行文件目录查找
	execPath, err := os.Executable()
	if err == nil {
		execDir := filepath.Dir(execPath)
		configPath := filepath.Join(execDir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	return "", fmt.Errorf("配置文件不存在: %s", filename)
}
