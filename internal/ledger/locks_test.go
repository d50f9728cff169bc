package ledger

import (
	"sync"
	"testing"
)

func TestKeyLocks_SerialisesAndForgets(t *testing.T) {
	k := newKeyLocks()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("u1|a1|NIFTY")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if len(k.locks) != 0 {
		t.Errorf("expected no retained locks, got %d", len(k.locks))
	}
}
