package quotapool

import (
	"errors"
	"sync"
	"testing"
	"time"

	"spoken-eval-platform/internal/datastore"
)

func newTestPool(t *testing.T, creds ...*datastore.Credential) *Pool {
	t.Helper()
	store := datastore.NewMemoryCredentialStore()
	for _, c := range creds {
		if err := store.CreateCredential(c); err != nil {
			t.Fatalf("seed credential %s: %v", c.ID, err)
		}
	}
	pool, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return pool
}

func speechCred(id string) *datastore.Credential {
	return &datastore.Credential{
		ID:         id,
		Capability: datastore.CapabilitySpeech,
		Provider:   "mock",
		APIKey:     "key-" + id,
	}
}

func TestCheckoutEmptyPool(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t)

	_, err := pool.Checkout(datastore.CapabilitySpeech, "job-1", time.Minute)
	if !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("expected ErrNoCredentialAvailable, got %v", err)
	}
}

func TestConcurrentCheckoutSingleCredential(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, speechCred("only"))

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Checkout(datastore.CapabilitySpeech, "job", time.Minute)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else if !errors.Is(err, ErrNoCredentialAvailable) {
				t.Errorf("unexpected checkout error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful checkout before lock expiry, got %d", successes)
	}
}

func TestCheckoutAfterLockExpiry(t *testing.T) {
	pool := newTestPool(t, speechCred("only"))

	now := time.Now()
	pool.now = func() time.Time { return now }

	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job-1", 30*time.Second); err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job-2", 30*time.Second); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("expected ErrNoCredentialAvailable while locked, got %v", err)
	}

	now = now.Add(31 * time.Second)
	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job-2", 30*time.Second); err != nil {
		t.Fatalf("checkout after lock expiry: %v", err)
	}
}

func TestReleaseUnlocksCredential(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, speechCred("only"))

	cred, err := pool.Checkout(datastore.CapabilitySpeech, "job-1", time.Hour)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	pool.Release(cred.ID, "job-1")

	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job-2", time.Minute); err != nil {
		t.Fatalf("checkout after release: %v", err)
	}
}

func TestReleaseByOtherJobIsNoop(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, speechCred("only"))

	cred, err := pool.Checkout(datastore.CapabilitySpeech, "job-1", time.Hour)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	pool.Release(cred.ID, "job-other")

	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job-2", time.Minute); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("lock should still be held by job-1, got %v", err)
	}
}

func TestSelectionPrefersMostRemainingDailyQuota(t *testing.T) {
	t.Parallel()
	fresh := speechCred("fresh")
	fresh.DayLimit = 1000
	worn := speechCred("worn")
	worn.DayLimit = 1000
	worn.DayUnits = 900
	worn.DayWindowStart = time.Now()
	pool := newTestPool(t, worn, fresh)

	cred, err := pool.Checkout(datastore.CapabilitySpeech, "job-1", time.Minute)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if cred.ID != "fresh" {
		t.Fatalf("expected credential with most remaining daily quota, got %s", cred.ID)
	}
}

func TestMinuteLimitExhaustionAndWindowRoll(t *testing.T) {
	limited := speechCred("limited")
	limited.MinuteLimit = 2
	pool := newTestPool(t, limited)

	now := time.Now()
	pool.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		cred, err := pool.Checkout(datastore.CapabilitySpeech, "job", 0)
		if err != nil {
			t.Fatalf("checkout %d: %v", i, err)
		}
		pool.Release(cred.ID, "job")
	}
	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job", 0); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("expected minute-limit exhaustion, got %v", err)
	}

	now = now.Add(61 * time.Second)
	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job", 0); err != nil {
		t.Fatalf("checkout after minute window roll: %v", err)
	}
}

func TestMarkExhaustedTemporaryCoolsDown(t *testing.T) {
	pool := newTestPool(t, speechCred("only"))

	now := time.Now()
	pool.now = func() time.Time { return now }

	cred, err := pool.Checkout(datastore.CapabilitySpeech, "job-1", 0)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	pool.Release(cred.ID, "job-1")
	if err := pool.MarkExhausted(cred.ID, false, 45*time.Second); err != nil {
		t.Fatalf("MarkExhausted: %v", err)
	}

	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job-2", 0); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("expected cooldown rejection, got %v", err)
	}

	now = now.Add(46 * time.Second)
	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job-2", 0); err != nil {
		t.Fatalf("checkout after cooldown: %v", err)
	}
}

func TestMarkExhaustedPermanentRequiresReactivation(t *testing.T) {
	t.Parallel()
	pool := newTestPool(t, speechCred("only"))

	if err := pool.MarkExhausted("only", true, 0); err != nil {
		t.Fatalf("MarkExhausted: %v", err)
	}
	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job", 0); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("expected disabled credential to be skipped, got %v", err)
	}

	if err := pool.Reactivate("only"); err != nil {
		t.Fatalf("Reactivate: %v", err)
	}
	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job", 0); err != nil {
		t.Fatalf("checkout after reactivation: %v", err)
	}
}

func TestRecordUsageAccumulatesIndependently(t *testing.T) {
	t.Parallel()
	budget := speechCred("budget")
	budget.DayLimit = 100
	pool := newTestPool(t, budget)

	if err := pool.RecordUsage("budget", 60); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := pool.RecordUsage("budget", 50); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	// 110 units against a 100-unit day budget: no headroom left.
	if _, err := pool.Checkout(datastore.CapabilitySpeech, "job", 0); !errors.Is(err, ErrNoCredentialAvailable) {
		t.Fatalf("expected daily exhaustion, got %v", err)
	}
}
