package requestguard

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// cacheKeyPrefix 缓存key前缀，与限流key隔离，模式失效只扫描缓存空间
const cacheKeyPrefix = "cache:"

// Cache 旁路读穿缓存
//
// 缓存只是加速器：条目不存在不是错误，存储故障时直接回源取数，
// 绝不阻塞主数据路径。
type Cache struct {
	store Store
	log   *logrus.Logger
}

// NewCache 创建缓存引擎
func NewCache(store Store) *Cache {
	return &Cache{
		store: store,
		log:   logrus.StandardLogger(),
	}
}

// SetLogger 替换默认日志器
func (c *Cache) SetLogger(log *logrus.Logger) {
	if log != nil {
		c.log = log
	}
}

// Fetch 读穿取数：命中直接返回，未命中时调用fetcher取数并按TTL写入缓存
//
// 反序列化失败的条目当作未命中处理；存储读写失败时记录日志并退化为直接回源。
func Fetch[T any](c *Cache, key string, ttl time.Duration, fetcher func() (T, error)) (T, error) {
	storeKey := cacheKeyPrefix + key

	raw, err := c.store.Get(storeKey)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Warn("缓存读取失败，直接回源")
		return fetcher()
	}

	// 命中
	if raw != "" {
		var value T
		if err := json.Unmarshal([]byte(raw), &value); err == nil {
			return value, nil
		}
		// 损坏的条目当作未命中
		c.log.WithField("key", key).Warn("缓存条目反序列化失败，按未命中处理")
	}

	// 未命中，回源取数
	value, err := fetcher()
	if err != nil {
		return value, err
	}

	data, err := json.Marshal(value)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Warn("缓存值序列化失败，跳过写入")
		return value, nil
	}

	if err := c.store.Set(storeKey, string(data), ttl); err != nil {
		c.log.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Warn("缓存写入失败")
	}

	return value, nil
}

// Delete 删除指定的缓存条目
func (c *Cache) Delete(keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	storeKeys := make([]string, len(keys))
	for i, key := range keys {
		storeKeys[i] = cacheKeyPrefix + key
	}

	if _, err := c.store.Del(storeKeys...); err != nil {
		return fmt.Errorf("删除缓存条目失败: %w", err)
	}
	return nil
}

// Invalidate 删除所有匹配通配符模式的缓存条目，返回删除数量
//
// 枚举与删除不是原子操作，并发写入可能与失效扫描交错；
// 残留的旧条目最终由TTL兜底清理。
func (c *Cache) Invalidate(pattern string) (int64, error) {
	keys, err := c.store.Keys(cacheKeyPrefix + pattern)
	if err != nil {
		return 0, fmt.Errorf("枚举缓存key失败: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := c.store.Del(keys...)
	if err != nil {
		return 0, fmt.Errorf("批量删除缓存失败: %w", err)
	}

	return deleted, nil
}
