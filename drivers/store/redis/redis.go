package redis

import (
	"strconv"
	"strings"
	"time"

	requestguard "github.com/Fischlvor/go-requestguard"
	libredis "github.com/go-redis/redis"
)

// Store Redis存储实现
type Store struct {
	client *libredis.Client
	prefix string
}

// NewStore 创建Redis存储
func NewStore(client *libredis.Client, prefix string) requestguard.Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

// NewClient 按配置创建Redis客户端
func NewClient(config requestguard.RedisConfig) *libredis.Client {
	options := &libredis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	}

	if config.PoolSize > 0 {
		options.PoolSize = config.PoolSize
	}
	if d, err := time.ParseDuration(config.DialTimeout); err == nil && d > 0 {
		options.DialTimeout = d
	}
	if d, err := time.ParseDuration(config.ReadTimeout); err == nil && d > 0 {
		options.ReadTimeout = d
	}

	return libredis.NewClient(options)
}

// key 添加前缀
func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// stripKey 去除前缀（Keys返回的key要能直接传回Del）
func (s *Store) stripKey(k string) string {
	if s.prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, s.prefix+":")
}

// Get 获取键的值，键不存在时返回空字符串
func (s *Store) Get(key string) (string, error) {
	val, err := s.client.Get(s.key(key)).Result()
	if err == libredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set 设置键的值并附带过期时间
func (s *Store) Set(key string, value string, expiration time.Duration) error {
	return s.client.Set(s.key(key), value, expiration).Err()
}

// Del 删除键，返回实际删除数量
func (s *Store) Del(keys ...string) (int64, error) {
	prefixedKeys := make([]string, len(keys))
	for i, k := range keys {
		prefixedKeys[i] = s.key(k)
	}
	return s.client.Del(prefixedKeys...).Result()
}

// Keys 枚举匹配通配符模式的键
func (s *Store) Keys(pattern string) ([]string, error) {
	keys, err := s.client.Keys(s.key(pattern)).Result()
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = s.stripKey(k)
	}
	return keys, nil
}

// Expire 设置过期时间
func (s *Store) Expire(key string, expiration time.Duration) error {
	return s.client.Expire(s.key(key), expiration).Err()
}

// ZAdd 添加到有序集合
func (s *Store) ZAdd(key string, score float64, member string) error {
	return s.client.ZAdd(s.key(key), libredis.Z{
		Score:  score,
		Member: member,
	}).Err()
}

// ZCard 统计有序集合的成员数量
func (s *Store) ZCard(key string) (int64, error) {
	return s.client.ZCard(s.key(key)).Result()
}

// ZRem 删除有序集合中的指定成员
func (s *Store) ZRem(key string, member string) error {
	return s.client.ZRem(s.key(key), member).Err()
}

// ZRemRangeByScore 按分数范围删除
func (s *Store) ZRemRangeByScore(key string, min, max float64) error {
	minStr := strconv.FormatFloat(min, 'f', -1, 64)
	maxStr := strconv.FormatFloat(max, 'f', -1, 64)
	return s.client.ZRemRangeByScore(s.key(key), minStr, maxStr).Err()
}

// ZRangeWithScores 按分数升序返回指定下标区间的成员
func (s *Store) ZRangeWithScores(key string, start, stop int64) ([]requestguard.Member, error) {
	zs, err := s.client.ZRangeWithScores(s.key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}

	members := make([]requestguard.Member, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		members[i] = requestguard.Member{
			Member: member,
			Score:  z.Score,
		}
	}
	return members, nil
}

// Eval 执行Lua脚本
func (s *Store) Eval(script string, keys []string, args ...interface{}) (interface{}, error) {
	// 为所有key添加前缀
	prefixedKeys := make([]string, len(keys))
	for i, k := range keys {
		prefixedKeys[i] = s.key(k)
	}
	return s.client.Eval(script, prefixedKeys, args...).Result()
}
