package status

import (
	"errors"
	"sync"
	"testing"

	"github.com/loqalabs/voicewire/internal/config"
)

func TestAcquireRespectsCapacity(t *testing.T) {
	tr := NewTracker(config.StatusConfig{Capacity: 2, MaxUtilization: 1})

	r1, err := tr.Acquire()
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := tr.Acquire(); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := tr.Acquire(); !errors.Is(err, ErrOverloaded) {
		t.Fatalf("expected ErrOverloaded, got %v", err)
	}
	if got := tr.Utilization(); got != 1 {
		t.Fatalf("expected utilization 1, got %v", got)
	}

	r1()
	r1()
	snap := tr.Snapshot()
	if snap.Active != 1 || snap.Utilization != 0.5 {
		t.Fatalf("unexpected snapshot after release: %+v", snap)
	}
}

func TestOverloadAllowed(t *testing.T) {
	tr := NewTracker(config.StatusConfig{Capacity: 1, MaxUtilization: 1, CanOverload: true})
	for i := 0; i < 3; i++ {
		if _, err := tr.Acquire(); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	snap := tr.Snapshot()
	if snap.Utilization != 3 || !snap.CanOverload {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	tr := NewTracker(config.StatusConfig{Capacity: 64, MaxUtilization: 1})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := tr.Acquire()
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			release()
		}()
	}
	wg.Wait()
	if snap := tr.Snapshot(); snap.Active != 0 {
		t.Fatalf("expected no active sessions, got %d", snap.Active)
	}
}
