package redis

import (
	"testing"
	"time"

	"github.com/go-redis/redis"
)

// 注意：这些测试需要运行的Redis实例
// 可以使用 docker run -d -p 6379:6379 redis 启动

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     "localhost:6379",
		Password: "",
		DB:       15, // 使用DB 15进行测试，避免影响生产数据
	})

	// 测试连接
	if err := client.Ping().Err(); err != nil {
		t.Skipf("跳过Redis测试: Redis未运行 (%v)", err)
	}

	// 清空测试数据库
	client.FlushDB()

	return client
}

// cleanupTestRedis 清理测试数据
func cleanupTestRedis(t *testing.T, client *redis.Client) {
	if err := client.FlushDB().Err(); err != nil {
		t.Logf("清理Redis数据失败: %v", err)
	}
	client.Close()
}

func TestRedisStore_GetSet(t *testing.T) {
	client := setupTestRedis(t)
	defer cleanupTestRedis(t, client)

	store := NewStore(client, "test")

	// 不存在的键返回空字符串
	val, err := store.Get("missing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want \"\"", val)
	}

	// 写入后读取
	if err := store.Set("record", `{"total":5}`, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	val, err = store.Get("record")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if val != `{"total":5}` {
		t.Errorf("Get() = %q, want {\"total\":5}", val)
	}

	// 过期时间已设置
	ttl, err := client.TTL("test:record").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL = %v, want (0, 1m]", ttl)
	}
}

func TestRedisStore_DelAndKeys(t *testing.T) {
	client := setupTestRedis(t)
	defer cleanupTestRedis(t, client)

	store := NewStore(client, "test")

	store.Set("cache:files:user:42", "a", time.Minute)
	store.Set("cache:files:user:43", "b", time.Minute)
	store.Set("cache:logs:user:42", "c", time.Minute)

	// Keys返回去除前缀的key，能直接传回Del
	keys, err := store.Keys("cache:files:user:*")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("len(Keys()) = %d, want 2", len(keys))
	}
	for _, key := range keys {
		if key != "cache:files:user:42" && key != "cache:files:user:43" {
			t.Errorf("Keys()包含未匹配的key: %s", key)
		}
	}

	deleted, err := store.Del(keys...)
	if err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("Del() = %d, want 2", deleted)
	}

	// 未匹配的key不受影响
	val, err := store.Get("cache:logs:user:42")
	if err != nil {
		t.Fatal(err)
	}
	if val != "c" {
		t.Errorf("Get() = %q, want c", val)
	}
}

func TestRedisStore_SortedSet(t *testing.T) {
	client := setupTestRedis(t)
	defer cleanupTestRedis(t, client)

	store := NewStore(client, "test")

	key := "rate_limit:1.2.3.4"

	// 写入三个带时间戳分数的成员
	if err := store.ZAdd(key, 1000, "1000-1"); err != nil {
		t.Fatalf("ZAdd() error = %v", err)
	}
	store.ZAdd(key, 2000, "2000-2")
	store.ZAdd(key, 3000, "3000-3")

	count, err := store.ZCard(key)
	if err != nil {
		t.Fatalf("ZCard() error = %v", err)
	}
	if count != 3 {
		t.Errorf("ZCard() = %d, want 3", count)
	}

	// 最早的成员排在最前
	members, err := store.ZRangeWithScores(key, 0, 0)
	if err != nil {
		t.Fatalf("ZRangeWithScores() error = %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("len(members) = %d, want 1", len(members))
	}
	if members[0].Member != "1000-1" || members[0].Score != 1000 {
		t.Errorf("members[0] = %+v, want {1000-1 1000}", members[0])
	}

	// 按分数范围删除（含边界）
	if err := store.ZRemRangeByScore(key, 0, 2000); err != nil {
		t.Fatalf("ZRemRangeByScore() error = %v", err)
	}
	count, _ = store.ZCard(key)
	if count != 1 {
		t.Errorf("删除后 ZCard() = %d, want 1", count)
	}

	// 删除指定成员
	if err := store.ZRem(key, "3000-3"); err != nil {
		t.Fatalf("ZRem() error = %v", err)
	}
	count, _ = store.ZCard(key)
	if count != 0 {
		t.Errorf("ZRem后 ZCard() = %d, want 0", count)
	}
}

func TestRedisStore_Expire(t *testing.T) {
	client := setupTestRedis(t)
	defer cleanupTestRedis(t, client)

	store := NewStore(client, "test")

	store.ZAdd("window", 1000, "1000-1")
	if err := store.Expire("window", 2*time.Second); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	ttl, err := client.TTL("test:window").Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > 2*time.Second {
		t.Errorf("TTL = %v, want (0, 2s]", ttl)
	}
}

func TestRedisStore_NoPrefix(t *testing.T) {
	client := setupTestRedis(t)
	defer cleanupTestRedis(t, client)

	store := NewStore(client, "")

	if err := store.Set("plain", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	val, err := client.Get("plain").Result()
	if err != nil {
		t.Fatal(err)
	}
	if val != "v" {
		t.Errorf("无前缀时应按原始key存储, got %q", val)
	}
}
