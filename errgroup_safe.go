package testagent

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	loopRestartBackoff    = 200 * time.Millisecond
	loopRestartMaxBackoff = 30 * time.Second
)

// GroupGoSafe runs fn in an errgroup goroutine. A panicking fn is reported on
// stderr and restarted with exponential backoff until ctx is done; a returned
// error ends the goroutine and follows errgroup semantics.
//
// Panics may come from the logger itself, so they are printed to stderr
// instead of going through zerolog.
func GroupGoSafe(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	group.Go(func() error {
		backoff := loopRestartBackoff
		for {
			if ctx != nil && ctx.Err() != nil {
				return nil
			}
			recovered, panicked, err := callRecovering(ctx, fn)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			// deterministic jitter, up to half the backoff
			wait := backoff
			if half := backoff / 2; half > 0 {
				wait += time.Duration(time.Now().UnixNano() % int64(half))
			}
			if !sleepCtx(ctx, wait) {
				return nil
			}
			backoff *= 2
			if backoff > loopRestartMaxBackoff {
				backoff = loopRestartMaxBackoff
			}
		}
	})
}

func callRecovering(ctx context.Context, fn func(context.Context) error) (recovered any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered, panicked = r, true
		}
	}()
	return nil, false, fn(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if ctx == nil {
		time.Sleep(d)
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
