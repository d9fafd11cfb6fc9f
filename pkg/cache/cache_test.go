package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, slog.New(slog.DiscardHandler)), mr
}

func TestKeyDeterministicAndSeparatorSafe(t *testing.T) {
	if Key("a", "b") != Key("a", "b") {
		t.Error("Key should be deterministic")
	}
	// Length-prefixing means part boundaries cannot collide.
	if Key("ab", "c") == Key("a", "bc") {
		t.Error("different part splits must produce different keys")
	}
	if Key("a", nil) == Key("a", "none") {
		t.Error("nil must not collide with the string \"none\"")
	}
}

func TestGetOrComputeCachesValue(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	calls := 0
	factory := func(ctx context.Context) (any, error) {
		calls++
		return map[string]string{"plan": "x"}, nil
	}

	first, err := c.GetOrCompute(ctx, Key("plan", "p1"), time.Minute, factory)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := c.GetOrCompute(ctx, Key("plan", "p1"), time.Minute, factory)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
	if string(first) != string(second) {
		t.Errorf("values differ: %s vs %s", first, second)
	}
}

func TestConcurrentCallersComputeOnce(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	key := Key("concurrent")

	var calls atomic.Int32
	factory := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return "value", nil
	}

	const n = 8
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := c.GetOrCompute(ctx, key, time.Minute, factory)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = out
		}(i)
	}
	wg.Wait()

	// While the lock is held the factory runs at most once; every caller
	// sees a value deep-equal to the persisted one.
	if calls.Load() != 1 {
		t.Errorf("factory called %d times, want 1", calls.Load())
	}
	var want string
	if err := json.Unmarshal(results[0], &want); err != nil || want != "value" {
		t.Fatalf("unexpected value %s", results[0])
	}
	for i, r := range results {
		if string(r) != string(results[0]) {
			t.Errorf("caller %d saw %s, want %s", i, r, results[0])
		}
	}
}

func TestStaleServedAfterFreshExpiry(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()
	key := Key("stale-test")

	if _, err := c.GetOrCompute(ctx, key, time.Minute, func(ctx context.Context) (any, error) {
		return "v1", nil
	}); err != nil {
		t.Fatal(err)
	}

	// Fresh copy expires, stale copy survives.
	mr.FastForward(2 * time.Minute)
	if mr.Exists(key) {
		t.Fatal("fresh key should have expired")
	}
	if !mr.Exists(key + ":stale") {
		t.Fatal("stale key should still exist")
	}

	// A held lock forces the stale path; the factory fails the test if it runs.
	mr.Set(key+":lock", "other-node")
	out, err := c.GetOrCompute(ctx, key, time.Minute, func(ctx context.Context) (any, error) {
		t.Error("factory should not run while stale value is available")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("stale read: %v", err)
	}
	var got string
	if err := json.Unmarshal(out, &got); err != nil || got != "v1" {
		t.Errorf("stale value = %s, want \"v1\"", out)
	}
}

func TestInvalidateRemovesBothCopies(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()
	key := Key("inv")

	if _, err := c.GetOrCompute(ctx, key, time.Minute, func(ctx context.Context) (any, error) {
		return "v", nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.Invalidate(ctx, key); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(key) || mr.Exists(key+":stale") {
		t.Error("invalidate should remove the key and its stale backup")
	}
}
