package requestguard

import "time"

// LimitBy 限流维度
type LimitBy string

const (
	// LimitByIP 按IP限流
	LimitByIP LimitBy = "ip"
	// LimitByUser 按用户限流
	LimitByUser LimitBy = "user"
	// LimitByPath 按路径限流
	LimitByPath LimitBy = "path"
	// LimitByCustom 自定义限流
	LimitByCustom LimitBy = "custom"
)

// Result 限流检查结果
type Result struct {
	// Allowed 是否允许通过
	Allowed bool
	// Limit 限流阈值
	Limit int64
	// Remaining 剩余配额
	Remaining int64
	// Reset 重置时间（Unix时间戳，秒）
	Reset int64
	// RetryAfter 建议重试时间（秒，仅拒绝时有效）
	RetryAfter int64
	// MemberID 本次准入在窗口集合中的成员ID（用于回滚；拒绝或降级放行时为空）
	MemberID string
}

// Rule 限流规则
type Rule struct {
	// Name 规则名称
	Name string
	// Path 路径匹配（支持通配符 *）
	Path string
	// Method HTTP方法（GET/POST等，为空表示所有方法）
	Method string
	// By 限流维度
	By LimitBy
	// Limit 限流阈值（请求数）
	Limit int64
	// Window 时间窗口
	Window time.Duration
}

// Member 有序集合成员及其分数
type Member struct {
	Member string
	Score  float64
}

// RollbackRecord 准入回滚记录
//
// 配置了 skipSuccessfulRequests / skipFailedRequests 时在准入时写入，
// 下游响应状态确定后被消费并删除，之后不再读取。
type RollbackRecord struct {
	// Identifier 限流标识符
	Identifier string `json:"identifier"`
	// Key 窗口集合的存储key
	Key string `json:"key"`
	// MemberID 待回滚的成员ID
	MemberID string `json:"memberId"`
	// Timestamp 准入时间戳（毫秒）
	Timestamp int64 `json:"timestamp"`
}

// Store 存储接口
//
// 要求底层存储保证单个操作的原子性；引擎不在其上做事务封装。
type Store interface {
	// Get 获取键的值，键不存在时返回空字符串
	Get(key string) (string, error)
	// Set 设置键的值并附带过期时间
	Set(key string, value string, expiration time.Duration) error
	// Del 删除键，返回实际删除数量
	Del(keys ...string) (int64, error)
	// Keys 枚举匹配通配符模式的键
	Keys(pattern string) ([]string, error)
	// Expire 设置键的过期时间
	Expire(key string, expiration time.Duration) error
	// ZAdd 添加有序集合成员
	ZAdd(key string, score float64, member string) error
	// ZCard 统计有序集合的成员数量
	ZCard(key string) (int64, error)
	// ZRem 删除有序集合中的指定成员
	ZRem(key string, member string) error
	// ZRemRangeByScore 删除有序集合中指定分数范围的成员（含边界）
	ZRemRangeByScore(key string, min, max float64) error
	// ZRangeWithScores 按分数升序返回指定下标区间的成员
	ZRangeWithScores(key string, start, stop int64) ([]Member, error)
	// Eval 执行Lua脚本
	Eval(script string, keys []string, args ...interface{}) (interface{}, error)
}
