package agent

import (
	"sync"
	"time"
)

// waitTimeout waits for wg and reports whether it finished within timeout.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		wg.Wait()
	}()

	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}
