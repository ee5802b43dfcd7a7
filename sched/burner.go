package sched

import "sync"

// Burner consumes CPU cycles on one goroutine to act as competing
// environmental load during a test run. It shares no state with the test
// framework and is deliberately unsynchronized with sampling: it is noise,
// not a workload under test.
type Burner struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartBurner launches the burner goroutine.
func StartBurner() *Burner {
	b := &Burner{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Burner) loop() {
	defer close(b.done)
	x := 1
	for {
		select {
		case <-b.stop:
			return
		default:
			x = x*2 - 1
		}
	}
}

// Stop halts the burner and waits for its goroutine to exit. Safe to call
// more than once.
func (b *Burner) Stop() {
	b.once.Do(func() { close(b.stop) })
	<-b.done
}
