package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportly/authz/pkg/config"
)

func setupClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, "test:"), mr
}

func TestNewClient(t *testing.T) {
	mr := miniredis.RunT(t)

	c, err := NewClient(context.Background(), config.StorageConfig{RedisURL: "redis://" + mr.Addr()}, "p:")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "k", "v", 0))
	got, err := mr.Get("p:k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(context.Background(), config.StorageConfig{RedisURL: "invalid://url"}, "")
	assert.Error(t, err)
}

func TestGetSet(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", "1", time.Minute))
	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSON_CorruptValueIsDeleted(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("test:doc", "{not json"))

	var dst map[string]int
	ok, err := c.GetJSON(ctx, "doc", &dst)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("test:doc"))

	require.NoError(t, c.SetJSON(ctx, "doc", map[string]int{"n": 3}, 0))
	ok, err = c.GetJSON(ctx, "doc", &dst)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, dst["n"])
}

func TestSetNX_SingleWinner(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.SetNX(ctx, "lock", "x", time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestGetDel_SingleReader(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "token", "17", time.Minute))

	var reads int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := c.GetDel(ctx, "token")
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&reads, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), reads)
}

func TestSetNXIndexed(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	ok, err := c.SetNXJSONIndexed(ctx, "marker", map[string]string{"episode": "e1"}, time.Minute, "idx", 100, "m|e1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, mr.TTL("test:marker"))
	members, err := mr.ZMembers("test:idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"m|e1"}, members)

	ok, err = c.SetNXJSONIndexed(ctx, "marker", map[string]string{"episode": "e2"}, time.Minute, "idx", 200, "m|e2")
	require.NoError(t, err)
	assert.False(t, ok)
	members, err = mr.ZMembers("test:idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"m|e1"}, members, "a losing call leaves no index member")
}

func TestCompareAndDeleteIndexed(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()
	_, err := c.SetNXIndexed(ctx, "marker", []byte("episode-1"), 0, "idx", 1, "m|1")
	require.NoError(t, err)

	ok, err := c.CompareAndDeleteIndexed(ctx, "marker", "episode-2", "idx", "m|1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("test:marker"))

	ok, err = c.CompareAndDeleteIndexed(ctx, "marker", "episode-1", "idx", "m|1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("test:marker"))
	assert.False(t, mr.Exists("test:idx"))
}

func TestClaimMember(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()
	_, err := c.SetNXIndexed(ctx, "marker", []byte(`{"episode":"e1"}`), 0, "idx", 1, "m|e1")
	require.NoError(t, err)

	ok, err := c.ClaimMember(ctx, "idx", "m|e0", "marker", "e0")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("test:marker"))

	ok, err = c.ClaimMember(ctx, "idx", "m|e1", "marker", "e1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("test:marker"))

	ok, err = c.ClaimMember(ctx, "idx", "m|e1", "marker", "e1")
	require.NoError(t, err)
	assert.False(t, ok, "a member is claimed once")
}

func TestClaimMember_KeepsNewerValue(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()
	_, err := c.SetNXIndexed(ctx, "marker", []byte(`{"episode":"e2"}`), 0, "idx", 2, "m|e2")
	require.NoError(t, err)
	require.NoError(t, c.rdb.ZAdd(ctx, "test:idx", &redis.Z{Score: 1, Member: "m|e1"}).Err())

	ok, err := c.ClaimMember(ctx, "idx", "m|e1", "marker", "e1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("test:marker"), "the marker belongs to a later episode")
}

func TestIncrWindow_FixedWindow(t *testing.T) {
	c, mr := setupClient(t)
	ctx := context.Background()

	n, err := c.IncrWindow(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	mr.FastForward(40 * time.Second)
	n, err = c.IncrWindow(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// second hit must not extend the window
	mr.FastForward(30 * time.Second)
	n, err = c.IncrWindow(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMGetInt64(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	_, err := c.Incr(ctx, "a")
	require.NoError(t, err)
	_, err = c.Incr(ctx, "a")
	require.NoError(t, err)

	vals, err := c.MGetInt64(ctx, "a", "missing")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 0}, vals)
}

func TestSortedSet(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	_, err := c.SetNXIndexed(ctx, "a", []byte("1"), 0, "z", 100, "a")
	require.NoError(t, err)
	_, err = c.SetNXIndexed(ctx, "b", []byte("1"), 0, "z", 200, "b")
	require.NoError(t, err)

	due, err := c.ZRangeByMaxScore(ctx, "z", 150)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, due)

	all, err := c.ZMembers(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, all)
}

func TestDelAndTTL(t *testing.T) {
	c, _ := setupClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "x", "1", time.Minute))
	ttl, err := c.TTL(ctx, "x")
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	exists, err := c.Exists(ctx, "x")
	require.NoError(t, err)
	assert.True(t, exists)

	n, err := c.Del(ctx, "x", "y")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
