package gin

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	requestguard "github.com/Fischlvor/go-requestguard"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Limiter 限流器接口
type Limiter interface {
	Check(identifier string, limit int64, window time.Duration) (*requestguard.Result, error)
	Rollback(identifier, memberID string) error
	SaveRollbackRecord(id string, record *requestguard.RollbackRecord) error
	TakeRollbackRecord(id string) (*requestguard.RollbackRecord, error)
}

// Middleware Gin限流中间件
type Middleware struct {
	Limiter Limiter
	// Window 时间窗口
	Window time.Duration
	// MaxRequests 窗口内最大请求数
	MaxRequests int64
	// KeyGenerator 限流标识符生成器（默认：客户端IP+路径）
	KeyGenerator func(*gin.Context) string
	// Whitelist 客户端IP白名单，命中时完全跳过限流
	Whitelist map[string]bool
	// SkipSuccessfulRequests 成功响应（状态码<400）不计入配额
	SkipSuccessfulRequests bool
	// SkipFailedRequests 失败响应（状态码>=400）不计入配额
	SkipFailedRequests bool
	// StandardHeaders 是否输出标准配额响应头
	StandardHeaders bool
	// Message 拒绝响应的提示信息
	Message string
	// Handler 自定义拒绝处理（为nil时返回默认429 JSON）
	Handler func(*gin.Context, *requestguard.Result)
	// Log 日志器
	Log *logrus.Logger
}

// NewMiddleware 创建Gin限流中间件
func NewMiddleware(limiter Limiter, options ...Option) gin.HandlerFunc {
	m := &Middleware{
		Limiter:         limiter,
		Window:          time.Minute,
		MaxRequests:     60,
		KeyGenerator:    KeyByIPPath,
		Whitelist:       make(map[string]bool),
		StandardHeaders: true,
		Message:         "请求过于频繁，请稍后再试",
		Log:             logrus.StandardLogger(),
	}

	for _, opt := range options {
		opt(m)
	}

	return func(c *gin.Context) {
		m.Handle(c)
	}
}

// Handle 处理请求
func (m *Middleware) Handle(c *gin.Context) {
	// 白名单直接放行
	if m.Whitelist[ClientIP(c)] {
		c.Next()
		return
	}

	identifier := m.KeyGenerator(c)

	result, err := m.Limiter.Check(identifier, m.MaxRequests, m.Window)
	if err != nil {
		// 限流自身的故障不能影响业务请求
		m.Log.WithFields(logrus.Fields{
			"identifier": identifier,
			"error":      err,
		}).Warn("限流检查失败，放行请求")
		c.Next()
		return
	}

	// 设置标准配额响应头（Reset为距重置的秒数，不是绝对时间戳）
	if m.StandardHeaders {
		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(secondsUntil(result.Reset), 10))
	}

	if !result.Allowed {
		if m.StandardHeaders {
			c.Header("Retry-After", strconv.FormatInt(result.RetryAfter, 10))
		}

		if m.Handler != nil {
			m.Handler(c, result)
			return
		}

		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":      "Too Many Requests",
			"message":    m.Message,
			"retryAfter": result.RetryAfter,
		})
		c.Abort()
		return
	}

	// 不需要按响应结果豁免时直接继续
	if (!m.SkipSuccessfulRequests && !m.SkipFailedRequests) || result.MemberID == "" {
		c.Next()
		return
	}

	// 先落回滚记录，等下游响应状态确定后再决定是否回滚
	rollbackID := newRollbackID()
	err = m.Limiter.SaveRollbackRecord(rollbackID, &requestguard.RollbackRecord{
		Identifier: identifier,
		Key:        requestguard.WindowKey(identifier),
		MemberID:   result.MemberID,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		m.Log.WithFields(logrus.Fields{
			"identifier": identifier,
			"error":      err,
		}).Warn("写入回滚记录失败")
		c.Next()
		return
	}

	c.Next()

	// 回滚是尽力而为：失败只会让调用方被略微多计数，不会少计数
	status := c.Writer.Status()
	if (m.SkipSuccessfulRequests && status < 400) || (m.SkipFailedRequests && status >= 400) {
		record, err := m.Limiter.TakeRollbackRecord(rollbackID)
		if err != nil {
			m.Log.WithField("error", err).Warn("读取回滚记录失败")
			return
		}
		if record == nil {
			return
		}
		if err := m.Limiter.Rollback(record.Identifier, record.MemberID); err != nil {
			m.Log.WithFields(logrus.Fields{
				"identifier": record.Identifier,
				"memberId":   record.MemberID,
				"error":      err,
			}).Warn("准入回滚失败")
		}
		return
	}

	// 不符合豁免条件，清理回滚记录
	if _, err := m.Limiter.TakeRollbackRecord(rollbackID); err != nil {
		m.Log.WithField("error", err).Warn("清理回滚记录失败")
	}
}

// Option 中间件选项
type Option func(*Middleware)

// WithWindow 设置时间窗口
func WithWindow(window time.Duration) Option {
	return func(m *Middleware) {
		m.Window = window
	}
}

// WithMaxRequests 设置窗口内最大请求数
func WithMaxRequests(maxRequests int64) Option {
	return func(m *Middleware) {
		m.MaxRequests = maxRequests
	}
}

// WithKeyGenerator 自定义限流标识符生成
func WithKeyGenerator(generator func(*gin.Context) string) Option {
	return func(m *Middleware) {
		m.KeyGenerator = generator
	}
}

// WithWhitelist 设置客户端IP白名单
func WithWhitelist(ips []string) Option {
	return func(m *Middleware) {
		for _, ip := range ips {
			m.Whitelist[ip] = true
		}
	}
}

// WithSkipSuccessfulRequests 成功响应不计入配额
func WithSkipSuccessfulRequests(skip bool) Option {
	return func(m *Middleware) {
		m.SkipSuccessfulRequests = skip
	}
}

// WithSkipFailedRequests 失败响应不计入配额
func WithSkipFailedRequests(skip bool) Option {
	return func(m *Middleware) {
		m.SkipFailedRequests = skip
	}
}

// WithStandardHeaders 控制是否输出标准配额响应头
func WithStandardHeaders(enabled bool) Option {
	return func(m *Middleware) {
		m.StandardHeaders = enabled
	}
}

// WithMessage 自定义拒绝响应的提示信息
func WithMessage(message string) Option {
	return func(m *Middleware) {
		m.Message = message
	}
}

// WithHandler 自定义拒绝处理
func WithHandler(handler func(*gin.Context, *requestguard.Result)) Option {
	return func(m *Middleware) {
		m.Handler = handler
	}
}

// WithLogger 替换默认日志器
func WithLogger(log *logrus.Logger) Option {
	return func(m *Middleware) {
		if log != nil {
			m.Log = log
		}
	}
}

// KeyByIPPath 默认key生成：客户端IP+请求路径
func KeyByIPPath(c *gin.Context) string {
	return ClientIP(c) + ":" + c.Request.URL.Path
}

// KeyByIP 仅按客户端IP生成key
func KeyByIP(c *gin.Context) string {
	return ClientIP(c)
}

// KeyWithPrefix 为特定端点类别生成带前缀的组合key
func KeyWithPrefix(prefix string, generator func(*gin.Context) string) func(*gin.Context) string {
	if generator == nil {
		generator = KeyByIPPath
	}
	return func(c *gin.Context) string {
		return prefix + ":" + generator(c)
	}
}

// clientIPHeaders 按优先级依次检查的客户端IP头
var clientIPHeaders = []string{
	"CF-Connecting-IP",
	"X-Real-IP",
	"X-Forwarded-For",
	"X-Client-IP",
	"True-Client-IP",
	"X-Cluster-Client-IP",
}

// ClientIP 解析客户端IP
//
// X-Forwarded-For 只取第一跳；所有头都缺失时回退到连接地址，
// 连接地址也不可用时返回"unknown"。
func ClientIP(c *gin.Context) string {
	for _, header := range clientIPHeaders {
		value := strings.TrimSpace(c.GetHeader(header))
		if value == "" {
			continue
		}
		if header == "X-Forwarded-For" {
			if idx := strings.Index(value, ","); idx >= 0 {
				value = strings.TrimSpace(value[:idx])
			}
		}
		if value != "" {
			return value
		}
	}

	if addr := c.Request.RemoteAddr; addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
			return host
		}
		return addr
	}

	return "unknown"
}

// secondsUntil 计算距指定Unix时间戳的秒数，过去的时间返回0
func secondsUntil(unix int64) int64 {
	delta := unix - time.Now().Unix()
	if delta < 0 {
		return 0
	}
	return delta
}

// newRollbackID 生成请求作用域的回滚记录ID
func newRollbackID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), rand.Int63n(1000000000))
}
