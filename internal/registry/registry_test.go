package registry

import (
	"sync"
	"testing"
)

func TestInsertIfAbsent(t *testing.T) {
	r := NewMemory()

	if !r.InsertIfAbsent("u1:t1") {
		t.Fatalf("first insert should succeed")
	}
	if r.InsertIfAbsent("u1:t1") {
		t.Fatalf("second insert should report already present")
	}
	if !r.Contains("u1:t1") {
		t.Fatalf("identity should be active")
	}
	if !r.InsertIfAbsent("u1:t2") {
		t.Fatalf("different identity should insert")
	}
}

func TestRemove(t *testing.T) {
	r := NewMemory()

	r.InsertIfAbsent("u1:t1")
	if !r.Remove("u1:t1") {
		t.Fatalf("remove of present identity should report true")
	}
	if r.Remove("u1:t1") {
		t.Fatalf("remove of absent identity should report false")
	}
	if r.Contains("u1:t1") {
		t.Fatalf("identity should be gone")
	}
}

func TestInsertIfAbsentConcurrent(t *testing.T) {
	r := NewMemory()

	const workers = 64
	var wg sync.WaitGroup
	inserted := make(chan bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted <- r.InsertIfAbsent("u1:t1")
		}()
	}
	wg.Wait()
	close(inserted)

	wins := 0
	for ok := range inserted {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}
