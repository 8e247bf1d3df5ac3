package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/halyard-io/halyard/internal/logging"
)

const (
	lockRetryMaxAttempts = 5
	lockRetryMaxElapsed  = 300 * time.Second
)

// RetryOnLock runs op, retrying lock-contention errors with capped
// exponential backoff plus jitter. Backoff sleeps run outside any
// per-operation timeout: op receives the caller's context, but the sleeps
// themselves are not cut short by its deadline, only by outright
// cancellation. Non-lock errors propagate immediately.
func RetryOnLock(ctx context.Context, d Dialect, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = lockRetryMaxElapsed
	bo.Reset()

	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || !d.IsLockError(err) {
			return err
		}
		if attempt >= lockRetryMaxAttempts {
			return err
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		log := logging.Component("storage")
		log.Debug().
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("database busy, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			// Caller went away entirely; no point retrying on its behalf.
			return err
		}
	}
}
