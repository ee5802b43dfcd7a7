package sched

import (
	"testing"
	"time"
)

func TestBurner_StopReturnsAndIsIdempotent(t *testing.T) {
	b := StartBurner()
	time.Sleep(5 * time.Millisecond) // let it spin

	done := make(chan struct{})
	go func() {
		b.Stop()
		b.Stop() // second stop must not panic or hang
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Burner.Stop did not return")
	}
}
