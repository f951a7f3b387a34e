package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluskort/aluskort/pkg/investigation"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewClientFromRedis(rdb, slog.Default()), mr
}

func TestGetSetJSON_Roundtrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, c.SetJSON(ctx, "k1", payload{Name: "x", Count: 3}, time.Minute))

	var got payload
	found, err := c.GetJSON(ctx, "k1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, payload{Name: "x", Count: 3}, got)
}

func TestGetJSON_MissIsNotError(t *testing.T) {
	c, _ := newTestClient(t)

	var got map[string]any
	found, err := c.GetJSON(context.Background(), "absent", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetJSON_CorruptEntryEvicted(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("bad", "{not json"))

	var got map[string]any
	found, err := c.GetJSON(ctx, "bad", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, mr.Exists("bad"), "corrupt entry must be evicted")
}

func TestSetOnce(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	won, err := c.SetOnce(ctx, "once", time.Hour)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = c.SetOnce(ctx, "once", time.Hour)
	require.NoError(t, err)
	assert.False(t, won, "second claim loses")
}

func TestIncrBy_SetsTTLOnFirstWrite(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	v, err := c.IncrBy(ctx, "ctr", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Greater(t, mr.TTL("ctr"), time.Duration(0))

	v, err = c.IncrBy(ctx, "ctr", 2, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestIOCTTL_ConfidenceTiers(t *testing.T) {
	assert.Equal(t, IOCTTLHighConfidence, IOCTTL(81))
	assert.Equal(t, IOCTTLMidConfidence, IOCTTL(80))
	assert.Equal(t, IOCTTLMidConfidence, IOCTTL(65))
	assert.Equal(t, IOCTTLMidConfidence, IOCTTL(50))
	assert.Equal(t, IOCTTLLowConfidence, IOCTTL(49))
	assert.Equal(t, IOCTTLLowConfidence, IOCTTL(30))
}

func TestIOCKey_CarriesTenant(t *testing.T) {
	assert.Equal(t, "ioc:t1:ip:10.0.0.1", IOCKey("t1", "ip", "10.0.0.1"))
	assert.NotEqual(t, IOCKey("t1", "ip", "10.0.0.1"), IOCKey("t2", "ip", "10.0.0.1"))
}

func TestIOCCache_RoundtripWithTierTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ic := NewIOCCache(c)
	ctx := context.Background()

	hit := &investigation.IOCHit{Type: "ip", Value: "203.0.113.9", Source: "intel-x", Confidence: 81}
	ic.Put(ctx, "t1", hit)

	got, found := ic.Get(ctx, "t1", "ip", "203.0.113.9")
	require.True(t, found)
	assert.Equal(t, hit.Source, got.Source)
	assert.Equal(t, IOCTTLHighConfidence, mr.TTL(IOCKey("t1", "ip", "203.0.113.9")))

	// Cross-tenant read misses by key construction.
	_, found = ic.Get(ctx, "t2", "ip", "203.0.113.9")
	assert.False(t, found)
}

func TestScanKeys(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("kill_switch:tenant:t1", "{}"))
	require.NoError(t, mr.Set("kill_switch:pattern:p1", "{}"))
	require.NoError(t, mr.Set("other:x", "{}"))

	keys, err := c.ScanKeys(ctx, "kill_switch:*", 100)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
