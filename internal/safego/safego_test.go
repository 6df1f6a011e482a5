package safego

import (
	"sync"
	"testing"
	"time"
)

func TestGo_RunsFunction(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	Go(func() {
		defer wg.Done()
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// function ran successfully
	case <-time.After(2 * time.Second):
		t.Error("goroutine did not complete within timeout")
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)

	// Must not crash the test process; the panic has to be recovered.
	Go(func() {
		defer wg.Done()
		panic("background worker blew up")
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// panic was recovered; test passes
	case <-time.After(2 * time.Second):
		t.Error("goroutine did not complete within timeout after panic")
	}
}
