package budget

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/internal/apperr"
)

func testController(t *testing.T, daily float64, notifier *Notifier) *Controller {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewController(rdb, slog.New(slog.DiscardHandler), daily, notifier)
}

func TestTrackAccumulatesSpend(t *testing.T) {
	c := testController(t, 50, nil)
	ctx := context.Background()

	st, err := c.Track(ctx, "org1", 1.25, "openai/gpt-4o", "render")
	if err != nil {
		t.Fatal(err)
	}
	if st.SpendUSD != 1.25 {
		t.Errorf("SpendUSD = %v, want 1.25", st.SpendUSD)
	}

	st, err = c.Track(ctx, "org1", 0.75, "openai/gpt-4o", "render")
	if err != nil {
		t.Fatal(err)
	}
	if st.SpendUSD != 2.0 {
		t.Errorf("SpendUSD = %v, want 2.0", st.SpendUSD)
	}
}

func TestCrossingCallIsLastPermitted(t *testing.T) {
	c := testController(t, 50, nil)
	ctx := context.Background()

	// Bring spend to just under the cap.
	if _, err := c.Track(ctx, "org1", 49.99, "m", "render"); err != nil {
		t.Fatal(err)
	}

	// The call that crosses the cap succeeds; its status reports exceeded.
	st, err := c.Track(ctx, "org1", 0.05, "m", "render")
	if err != nil {
		t.Fatalf("crossing call should succeed, got %v", err)
	}
	if !st.Exceeded {
		t.Error("crossing call status should report exceeded")
	}

	// Every subsequent call that day is refused with retry metadata.
	_, err = c.Track(ctx, "org1", 0.01, "m", "render")
	if !apperr.Is(err, apperr.KindBudgetExceeded) {
		t.Fatalf("err = %v, want BudgetExceeded", err)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatal("expected typed error")
	}
	if ae.RetryAfter <= 0 || ae.RetryAfter > 86400 {
		t.Errorf("RetryAfter = %d, want (0, 86400]", ae.RetryAfter)
	}
}

func TestConcurrentTrackOnlyOneCallCrosses(t *testing.T) {
	c := testController(t, 50, nil)
	ctx := context.Background()

	// One cent of headroom, then a burst of concurrent calls.
	if _, err := c.Track(ctx, "org1", 49.99, "m", "render"); err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	var crossed, refused atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := c.Track(ctx, "org1", 0.05, "m", "render")
			switch {
			case err == nil && st.Exceeded:
				crossed.Add(1)
			case apperr.Is(err, apperr.KindBudgetExceeded):
				refused.Add(1)
			case err != nil:
				t.Errorf("unexpected error: %v", err)
			default:
				t.Errorf("call neither crossed nor was refused: %+v", st)
			}
		}()
	}
	wg.Wait()

	// Exactly one concurrent caller is the crossing call; the increment is
	// the serialization point, so the rest observe an exhausted counter.
	if crossed.Load() != 1 {
		t.Errorf("crossing calls = %d, want exactly 1", crossed.Load())
	}
	if refused.Load() != n-1 {
		t.Errorf("refused calls = %d, want %d", refused.Load(), n-1)
	}
}

func TestCheckIsNonMutating(t *testing.T) {
	c := testController(t, 50, nil)
	ctx := context.Background()

	if _, err := c.Track(ctx, "org1", 10, "m", "render"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		st, err := c.Check(ctx, "org1")
		if err != nil {
			t.Fatal(err)
		}
		if st.SpendUSD != 10 {
			t.Fatalf("Check mutated spend: %v", st.SpendUSD)
		}
	}
}

func TestEnforceRefusesWhenExceeded(t *testing.T) {
	c := testController(t, 1, nil)
	ctx := context.Background()

	if err := c.Enforce(ctx, "org1"); err != nil {
		t.Fatalf("fresh org should pass precheck: %v", err)
	}
	if _, err := c.Track(ctx, "org1", 2, "m", "render"); err != nil {
		t.Fatal(err)
	}
	if err := c.Enforce(ctx, "org1"); !apperr.Is(err, apperr.KindBudgetExceeded) {
		t.Errorf("err = %v, want BudgetExceeded", err)
	}
}

func TestAlertsFireOncePerThreshold(t *testing.T) {
	var mu sync.Mutex
	var alerts []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		_ = json.NewDecoder(r.Body).Decode(&a)
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	}))
	defer srv.Close()

	c := testController(t, 100, NewNotifier(srv.URL, slog.New(slog.DiscardHandler)))
	ctx := context.Background()

	// Cross 50%, then 80%, then repeat at the same level.
	steps := []float64{55, 30, 1, 1}
	for _, cost := range steps {
		_, _ = c.Track(ctx, "org1", cost, "m", "render")
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(alerts)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("got %d alerts, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want exactly 2 (50%% and 80%% once each)", len(alerts))
	}
	seen := map[int]bool{}
	for _, a := range alerts {
		if seen[a.ThresholdPct] {
			t.Errorf("threshold %d%% alerted twice", a.ThresholdPct)
		}
		seen[a.ThresholdPct] = true
	}
}

func TestAuditRingRecordsCalls(t *testing.T) {
	c := testController(t, 50, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Track(ctx, "org1", 0.5, "m", "render"); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := c.RecentAudit(ctx, "org1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d audit entries, want 3", len(entries))
	}
}
