package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// KeepAlive pulses hb every interval until the returned stop function is
// called or ctx is done. Pulse errors are logged and do not stop the loop:
// a worker that lost its task is cleaned up by the coordinator, not here.
func KeepAlive(ctx context.Context, hb Heartbeat, interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := hb.Pulse(); err != nil {
					slog.Debug("pulse rejected", "error", err)
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
