package crawler

import (
	"sync"
	"testing"
	"time"
)

func TestFrontierDrainTerminates(t *testing.T) {
	t.Parallel()

	fr := newFrontier(3)
	fr.push(item{url: "a"}, item{url: "b"})

	var mu sync.Mutex
	var popped []string
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, ok := fr.pop()
				if !ok {
					return
				}
				mu.Lock()
				popped = append(popped, it.url)
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not terminate on drain")
	}
	if len(popped) != 2 {
		t.Fatalf("popped %d items, want 2", len(popped))
	}
}

func TestFrontierWorkersFeedEachOther(t *testing.T) {
	t.Parallel()

	// One worker pushes follow-up work while another is already idle;
	// the idle worker must wake up and take it.
	fr := newFrontier(2)
	fr.push(item{url: "seed", depth: 3})

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, ok := fr.pop()
				if !ok {
					return
				}
				mu.Lock()
				count++
				mu.Unlock()
				if it.depth > 0 {
					fr.push(item{url: it.url + "x", depth: it.depth - 1})
				}
			}
		}()
	}
	wg.Wait()

	if count != 4 {
		t.Fatalf("processed %d items, want 4 (seed + 3 children)", count)
	}
}

func TestFrontierCloseUnblocksWorkers(t *testing.T) {
	t.Parallel()

	fr := newFrontier(2)

	done := make(chan struct{})
	go func() {
		// Both slots blocked on an empty queue would normally drain, but
		// with only one worker popping, the queue waits for the second.
		_, _ = fr.pop()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	fr.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close did not unblock pop")
	}

	// Push after close is dropped.
	fr.push(item{url: "late"})
	if _, ok := fr.pop(); ok {
		t.Fatal("pop after close must report done")
	}
}
