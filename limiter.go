package requestguard

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// windowKeyPrefix 窗口集合key前缀
	windowKeyPrefix = "rate_limit:"
	// rollbackKeyPrefix 回滚记录key前缀
	rollbackKeyPrefix = "rate_limit:rollback:"
	// rollbackTTL 回滚记录过期时间（须覆盖下游处理时长，又不能长期残留）
	rollbackTTL = 60 * time.Second
)

// Limiter 滑动窗口限流器
type Limiter struct {
	config         *Config
	store          Store
	log            *logrus.Logger
	defaultRule    *Rule
	rules          []*Rule
	whitelistIPs   map[string]bool
	whitelistUsers map[string]bool
}

// New 创建限流器（不加载规则配置，供直接调用Check的场景使用）
func New(store Store) *Limiter {
	return &Limiter{
		config:         &Config{Default: DefaultConfig{Enabled: true}},
		store:          store,
		log:            logrus.StandardLogger(),
		whitelistIPs:   make(map[string]bool),
		whitelistUsers: make(map[string]bool),
	}
}

// NewFromFile 从配置文件创建限流器
func NewFromFile(configFile string, store Store) (*Limiter, error) {
	// 获取配置文件路径
	configPath, err := GetConfigPath(configFile)
	if err != nil {
		return nil, err
	}

	// 加载配置
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	return NewFromConfig(config, store)
}

// NewFromConfig 从配置对象创建限流器
func NewFromConfig(config *Config, store Store) (*Limiter, error) {
	limiter := &Limiter{
		config:         config,
		store:          store,
		log:            logrus.StandardLogger(),
		whitelistIPs:   make(map[string]bool),
		whitelistUsers: make(map[string]bool),
	}

	// 加载白名单
	for _, ip := range config.Whitelist.IPs {
		limiter.whitelistIPs[ip] = true
	}
	for _, user := range config.Whitelist.Users {
		limiter.whitelistUsers[user] = true
	}

	// 转换默认规则
	if config.Default.Enabled && config.Default.Limit > 0 {
		window, err := parseDuration(config.Default.Window)
		if err != nil {
			return nil, fmt.Errorf("解析默认窗口失败: %w", err)
		}

		limiter.defaultRule = &Rule{
			Path:   "*",
			By:     LimitByIP,
			Limit:  config.Default.Limit,
			Window: window,
		}
	}

	// 转换规则列表
	for _, ruleConfig := range config.Rules {
		rule, err := ruleConfig.ToRule()
		if err != nil {
			return nil, fmt.Errorf("转换规则失败: %w", err)
		}
		limiter.rules = append(limiter.rules, rule)
	}

	return limiter, nil
}

// SetLogger 替换默认日志器
func (l *Limiter) SetLogger(log *logrus.Logger) {
	if log != nil {
		l.log = log
	}
}

// WindowKey 返回标识符对应的窗口集合key
func WindowKey(identifier string) string {
	return windowKeyPrefix + identifier
}

// Check 对指定标识符执行滑动窗口准入检查
//
// 窗口为左开右闭区间 (now-window, now]，恰好落在窗口边界上的记录视为过期。
// 存储不可用时降级放行（Allowed=true且MemberID为空），不向调用方返回存储错误。
func (l *Limiter) Check(identifier string, limit int64, window time.Duration) (*Result, error) {
	if identifier == "" {
		return nil, fmt.Errorf("限流标识符不能为空")
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("限流阈值和时间窗口必须大于0")
	}

	now := time.Now()
	nowMs := now.UnixMilli()
	key := WindowKey(identifier)

	// 删除窗口边界及之前的记录
	windowStartMs := nowMs - window.Milliseconds()
	if err := l.store.ZRemRangeByScore(key, 0, float64(windowStartMs)); err != nil {
		return l.failOpen(identifier, limit, window, now, err), nil
	}

	// 统计当前窗口内的请求数
	count, err := l.store.ZCard(key)
	if err != nil {
		return l.failOpen(identifier, limit, window, now, err), nil
	}

	// 超出阈值，拒绝
	if count >= limit {
		// 用最早存活成员的时间戳计算准确的重置时间，而不是粗略的完整窗口
		resetMs := nowMs + window.Milliseconds()
		members, err := l.store.ZRangeWithScores(key, 0, 0)
		if err != nil {
			l.log.WithFields(logrus.Fields{
				"identifier": identifier,
				"error":      err,
			}).Warn("获取最早准入记录失败，使用完整窗口计算重置时间")
		} else if len(members) > 0 {
			resetMs = int64(members[0].Score) + window.Milliseconds()
		}

		retryAfter := int64(math.Ceil(float64(resetMs-nowMs) / 1000))
		if retryAfter < 1 {
			retryAfter = 1
		}

		return &Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			Reset:      resetMs / 1000,
			RetryAfter: retryAfter,
		}, nil
	}

	// 准入：写入带随机后缀的成员ID，同毫秒内的并发请求互不冲突
	memberID := newMemberID(nowMs)
	if err := l.store.ZAdd(key, float64(nowMs), memberID); err != nil {
		return l.failOpen(identifier, limit, window, now, err), nil
	}

	// 刷新key过期时间作为兜底，防止无后续请求时集合无限留存
	ttl := time.Duration(int64(math.Ceil(window.Seconds()))+1) * time.Second
	if err := l.store.Expire(key, ttl); err != nil {
		l.log.WithFields(logrus.Fields{
			"identifier": identifier,
			"error":      err,
		}).Warn("刷新窗口过期时间失败")
	}

	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - count - 1,
		Reset:     now.Add(window).Unix(),
		MemberID:  memberID,
	}, nil
}

// CheckRequest 按配置规则检查请求是否允许通过
func (l *Limiter) CheckRequest(path, method, ip, userID string) (*Result, error) {
	// 检查是否启用限流
	if !l.config.Default.Enabled {
		return &Result{Allowed: true}, nil
	}

	// 检查IP白名单
	if l.whitelistIPs[ip] {
		return &Result{Allowed: true}, nil
	}

	// 检查用户白名单
	if userID != "" && l.whitelistUsers[userID] {
		return &Result{Allowed: true}, nil
	}

	// 检查规则列表（按顺序匹配）
	var last *Result
	for _, rule := range l.rules {
		// 检查路径是否匹配
		if !l.matchPath(rule.Path, path) {
			continue
		}

		// 检查方法是否匹配
		if rule.Method != "" && rule.Method != method {
			continue
		}

		// 匹配到规则，执行限流检查
		result, err := l.Check(l.buildKey(rule, path, ip, userID), rule.Limit, rule.Window)
		if err != nil {
			return nil, err
		}

		// 如果被限流，直接返回
		if !result.Allowed {
			return result, nil
		}
		last = result
	}
	if last != nil {
		return last, nil
	}

	// 未命中任何规则时应用默认规则
	if l.defaultRule != nil {
		return l.Check(l.buildKey(l.defaultRule, path, ip, userID), l.defaultRule.Limit, l.defaultRule.Window)
	}

	return &Result{Allowed: true}, nil
}

// Rollback 从窗口集合中移除指定的准入成员（逐条移除，不做整体递减）
func (l *Limiter) Rollback(identifier, memberID string) error {
	if err := l.store.ZRem(WindowKey(identifier), memberID); err != nil {
		return fmt.Errorf("回滚准入记录失败: %w", err)
	}
	return nil
}

// SaveRollbackRecord 写入回滚记录
func (l *Limiter) SaveRollbackRecord(id string, record *RollbackRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化回滚记录失败: %w", err)
	}
	if err := l.store.Set(rollbackKeyPrefix+id, string(data), rollbackTTL); err != nil {
		return fmt.Errorf("写入回滚记录失败: %w", err)
	}
	return nil
}

// TakeRollbackRecord 读取并删除回滚记录，记录不存在时返回nil
func (l *Limiter) TakeRollbackRecord(id string) (*RollbackRecord, error) {
	key := rollbackKeyPrefix + id
	raw, err := l.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("读取回滚记录失败: %w", err)
	}
	if raw == "" {
		return nil, nil
	}

	var record RollbackRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		// 损坏的记录当作不存在处理
		if _, delErr := l.store.Del(key); delErr != nil {
			l.log.WithField("error", delErr).Warn("删除损坏的回滚记录失败")
		}
		return nil, nil
	}

	if _, err := l.store.Del(key); err != nil {
		l.log.WithField("error", err).Warn("删除回滚记录失败")
	}

	return &record, nil
}

// IsEnabled 检查限流是否启用
func (l *Limiter) IsEnabled() bool {
	return l.config.Default.Enabled
}

// GetConfig 获取配置
func (l *Limiter) GetConfig() *Config {
	return l.config
}

// failOpen 存储故障时降级放行
func (l *Limiter) failOpen(identifier string, limit int64, window time.Duration, now time.Time, err error) *Result {
	l.log.WithFields(logrus.Fields{
		"identifier": identifier,
		"error":      err,
	}).Warn("限流存储不可用，降级放行")

	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit,
		Reset:     now.Add(window).Unix(),
	}
}

// buildKey 构建限流key
func (l *Limiter) buildKey(rule *Rule, path, ip, userID string) string {
	var parts []string

	// 添加规则名称或路径
	if rule.Name != "" {
		parts = append(parts, rule.Name)
	} else {
		parts = append(parts, path)
	}

	// 根据限流维度添加key部分
	switch rule.By {
	case LimitByIP:
		parts = append(parts, "ip", ip)
	case LimitByUser:
		if userID != "" {
			parts = append(parts, "user", userID)
		} else {
			// 如果没有用户ID，降级为IP限流
			parts = append(parts, "ip", ip)
		}
	case LimitByPath:
		parts = append(parts, "path", path)
	}

	return strings.Join(parts, ":")
}

// matchPath 检查路径是否匹配
func (l *Limiter) matchPath(pattern, path string) bool {
	// 精确匹配
	if pattern == path {
		return true
	}

	// 通配符匹配
	matched, err := filepath.Match(pattern, path)
	if err != nil {
		return false
	}

	return matched
}

// newMemberID 生成窗口成员ID（毫秒时间戳+随机后缀）
func newMemberID(nowMs int64) string {
	return fmt.Sprintf("%d-%d", nowMs, rand.Int63n(1000000000))
}
