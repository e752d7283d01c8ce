package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func testRules() map[Class]Rule {
	return map[Class]Rule{
		ClassGeneral: {
			Window:      time.Minute,
			MaxRequests: 10,
			BurstWindow: time.Second,
			BurstMax:    5,
		},
		ClassAuth: {
			Window:        time.Minute,
			MaxRequests:   3,
			BlockDuration: 30 * time.Minute,
		},
	}
}

func TestEleventhRequestLimitedWithRetryAfter(t *testing.T) {
	now := time.Now()
	l := New(Config{Rules: testRules()})
	l.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		d := l.Check("user-1", ClassGeneral)
		if !d.Allowed {
			t.Fatalf("request %d unexpectedly limited: %+v", i+1, d)
		}
		now = now.Add(2 * time.Second) // stay clear of the burst sub-window
	}
	d := l.Check("user-1", ClassGeneral)
	if d.Allowed {
		t.Fatalf("11th request should be limited")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("limited decision must carry retry-after, got %s", d.RetryAfter)
	}

	// After the window elapses requests succeed again.
	now = now.Add(time.Minute)
	if d := l.Check("user-1", ClassGeneral); !d.Allowed {
		t.Fatalf("request after window should pass: %+v", d)
	}
}

func TestBurstAllowance(t *testing.T) {
	now := time.Now()
	l := New(Config{Rules: testRules()})
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		if d := l.Check("user-2", ClassGeneral); !d.Allowed {
			t.Fatalf("burst request %d limited", i+1)
		}
	}
	d := l.Check("user-2", ClassGeneral)
	if d.Allowed || d.Reason != "burst" {
		t.Fatalf("expected burst limit, got %+v", d)
	}
	now = now.Add(1100 * time.Millisecond)
	if d := l.Check("user-2", ClassGeneral); !d.Allowed {
		t.Fatalf("request after burst window should pass: %+v", d)
	}
}

func TestAuthViolationBlocks(t *testing.T) {
	now := time.Now()
	l := New(Config{Rules: testRules()})
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if d := l.Check("10.0.0.1", ClassAuth); !d.Allowed {
			t.Fatalf("auth request %d limited", i+1)
		}
	}
	d := l.Check("10.0.0.1", ClassAuth)
	if d.Allowed {
		t.Fatalf("4th auth request should be limited")
	}
	if d.RetryAfter != 30*time.Minute {
		t.Fatalf("violation should block for 30m, got %s", d.RetryAfter)
	}

	// Requests during the block report the remaining block time.
	now = now.Add(10 * time.Minute)
	d = l.Check("10.0.0.1", ClassAuth)
	if d.Allowed || d.Reason != "blocked" {
		t.Fatalf("expected blocked decision, got %+v", d)
	}
	if d.RetryAfter > 20*time.Minute || d.RetryAfter <= 0 {
		t.Fatalf("remaining block time wrong: %s", d.RetryAfter)
	}

	// After the block expires the window restarts.
	now = now.Add(25 * time.Minute)
	if d := l.Check("10.0.0.1", ClassAuth); !d.Allowed {
		t.Fatalf("post-block request should pass: %+v", d)
	}
}

func TestRepeatedViolationsDenylistIdentity(t *testing.T) {
	now := time.Now()
	l := New(Config{Rules: testRules(), DenyThreshold: 3, DenyDuration: time.Hour})
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		l.Check("10.0.0.9", ClassAuth)
	}
	if d := l.Check("10.0.0.9", ClassAuth); d.Allowed {
		t.Fatalf("expected block to start")
	}
	// Hammering during the block lands the identity on the deny-list.
	for i := 0; i < 3; i++ {
		l.Check("10.0.0.9", ClassAuth)
	}
	// Deny-list is independent of the window counters and spans classes.
	d := l.Check("10.0.0.9", ClassGeneral)
	if d.Allowed || d.Reason != "denied" {
		t.Fatalf("expected deny-listed decision, got %+v", d)
	}

	now = now.Add(61 * time.Minute)
	if d := l.Check("10.0.0.9", ClassGeneral); !d.Allowed {
		t.Fatalf("deny-list should expire: %+v", d)
	}
}

func TestUnknownClassAllowed(t *testing.T) {
	l := New(Config{Rules: testRules()})
	if d := l.Check("user-1", Class("metrics")); !d.Allowed {
		t.Fatalf("unconfigured class should pass: %+v", d)
	}
}

func TestConcurrentIdentitiesDoNotSerialize(t *testing.T) {
	l := New(Config{Rules: map[Class]Rule{ClassGeneral: {Window: time.Minute, MaxRequests: 1 << 20}}})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("identity-%d", n)
			for j := 0; j < 200; j++ {
				if d := l.Check(id, ClassGeneral); !d.Allowed {
					t.Errorf("identity %s limited unexpectedly", id)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestSweepEvictsIdleWindows(t *testing.T) {
	now := time.Now()
	l := New(Config{Rules: testRules()})
	l.now = func() time.Time { return now }

	l.Check("user-1", ClassGeneral)
	l.Check("user-2", ClassGeneral)
	now = now.Add(2 * time.Hour)
	l.Sweep()

	total := 0
	for i := range l.shards {
		l.shards[i].mu.Lock()
		total += len(l.shards[i].windows)
		l.shards[i].mu.Unlock()
	}
	if total != 0 {
		t.Fatalf("expected all windows evicted, %d remain", total)
	}
}
