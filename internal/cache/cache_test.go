package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(rdb, time.Second, zap.NewNop())
}

func TestKeyDeterministic(t *testing.T) {
	a := Key("GET", "/jobs", map[string]string{"status": "queued", "limit": "10"})
	b := Key("GET", "/jobs", map[string]string{"limit": "10", "status": "queued"})
	if a != b {
		t.Fatalf("param order changed the key: %q vs %q", a, b)
	}
	c := Key("GET", "/jobs", map[string]string{"limit": "20", "status": "queued"})
	if a == c {
		t.Fatal("different params produced the same key")
	}
	d := Key("GET", "/jobs", nil, "user-1")
	e := Key("GET", "/jobs", nil, "user-2")
	if d == e {
		t.Fatal("extra dimensions ignored")
	}
}

func TestKeyHashingBoundsLength(t *testing.T) {
	params := map[string]string{}
	for i := 0; i < 50; i++ {
		params["param"+strconv.Itoa(i)] = strings.Repeat("v", 20)
	}
	k := Key("GET", "/long", params)
	if len(k) > maxKeyLen {
		t.Fatalf("hashed key too long: %d", len(k))
	}
	if !strings.HasPrefix(k, "h:") {
		t.Fatalf("long key not hashed: %q", k)
	}
	if k2 := Key("GET", "/long", params); k2 != k {
		t.Fatal("hashed key not deterministic")
	}
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	if _, hit := c.Get(ctx, NamespaceSystem, "k"); hit {
		t.Fatal("unexpected hit on empty cache")
	}
	c.Set(ctx, NamespaceSystem, "k", []byte("value"), TierShort)
	got, hit := c.Get(ctx, NamespaceSystem, "k")
	if !hit || string(got) != "value" {
		t.Fatalf("get after set: hit=%v val=%q", hit, got)
	}
	c.Delete(ctx, NamespaceSystem, "k")
	if _, hit := c.Get(ctx, NamespaceSystem, "k"); hit {
		t.Fatal("hit after delete")
	}
}

func TestDeletePattern(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	c.Set(ctx, NamespaceUser("u1"), "list", []byte("a"), TierDefault)
	c.Set(ctx, NamespaceUser("u1"), "detail", []byte("b"), TierDefault)
	c.Set(ctx, NamespaceUser("u2"), "list", []byte("c"), TierDefault)

	c.InvalidateUser(ctx, "u1")

	if _, hit := c.Get(ctx, NamespaceUser("u1"), "list"); hit {
		t.Fatal("u1 entry survived invalidation")
	}
	if _, hit := c.Get(ctx, NamespaceUser("u1"), "detail"); hit {
		t.Fatal("u1 entry survived invalidation")
	}
	if _, hit := c.Get(ctx, NamespaceUser("u2"), "list"); !hit {
		t.Fatal("u2 entry wrongly evicted")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)

	c.Set(ctx, NamespaceSystem, "a", []byte("1"), TierLong)
	c.Get(ctx, NamespaceSystem, "a")       // hit
	c.Get(ctx, NamespaceSystem, "missing") // miss
	c.Get(ctx, NamespaceSystem, "a")       // hit

	st := c.Stats(ctx)
	if st.Hits != 2 || st.Misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 2/1", st.Hits, st.Misses)
	}
	if st.HitRate < 0.66 || st.HitRate > 0.67 {
		t.Fatalf("hit rate %.3f, want ~0.667", st.HitRate)
	}
	if st.Keys != 1 {
		t.Fatalf("keys = %d, want 1 (stat counters excluded)", st.Keys)
	}
	if st.AvgTTL <= 0 {
		t.Fatalf("avg ttl = %s, want positive", st.AvgTTL)
	}
}

func TestDoCoalescesConcurrentCalls(t *testing.T) {
	c := newTestCache(t)

	var calls int32
	release := make(chan struct{})
	fn := func() (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "result", nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]any, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Do("same-key", fn)
			if err != nil {
				t.Errorf("do: %v", err)
			}
			results[i] = v
		}(i)
	}
	// Give every goroutine a chance to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("upstream called %d times, want 1", got)
	}
	for i, v := range results {
		if v != "result" {
			t.Fatalf("caller %d got %v", i, v)
		}
	}
}
