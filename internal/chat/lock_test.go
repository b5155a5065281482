package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLocalLocker_SerializesSameKey(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "chat:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	// a different key is independent
	other, err := l.Lock(ctx, "chat:2")
	if err != nil {
		t.Fatalf("lock other key: %v", err)
	}
	other()

	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, "chat:1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected held key to block until deadline, got %v", err)
	}

	unlock()
	unlock() // second call is ignored

	again, err := l.Lock(ctx, "chat:1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()

	l.mu.Lock()
	left := len(l.locks)
	l.mu.Unlock()
	if left != 0 {
		t.Fatalf("expected idle keys to be dropped, %d left", left)
	}
}

func TestLocalLocker_MutualExclusion(t *testing.T) {
	l := NewLocalLocker()

	var (
		wg      sync.WaitGroup
		active  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "chat:7")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxSeen)
	}
}
