package util

import (
	"sync"
	"testing"
	"time"
)

func TestSafeGo(t *testing.T) {
	var wg sync.WaitGroup
	executed := false

	wg.Add(1)
	SafeGo(func() {
		defer wg.Done()
		executed = true
	})

	wg.Wait()

	if !executed {
		t.Error("SafeGo did not execute the function")
	}
}

func TestSafeGoRecoversPanic(t *testing.T) {
	done := make(chan struct{})

	SafeGoWithName("panicky", func() {
		defer close(done)
		panic("test panic")
	})

	select {
	case <-done:
		// Recovered without crashing the test process.
	case <-time.After(5 * time.Second):
		t.Fatal("goroutine did not complete")
	}
}
