package radiofrontend

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// WaitForGPSLock implements bring-up step 5: poll the GPS sensor until
// it reports a time lock, or maxWait elapses — which is fatal to the
// caller (§4.3: "fatal on expiry"). A device with no GPS sensor at all
// (ok == false) is treated as already satisfied, since there is
// nothing to wait for.
func WaitForGPSLock(ctx context.Context, dev Device, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	b.MaxInterval = 2 * time.Second

	locked := false
	op := func() error {
		l, ok, err := dev.PollGPSLocked(ctx)
		if err != nil {
			return err
		}
		if !ok {
			locked = true
			return nil
		}
		if l {
			locked = true
			return nil
		}
		return fmt.Errorf("radiofrontend: GPS not yet locked")
	}
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("radiofrontend: GPS lock not acquired within %s: %w", maxWait, err)
	}
	if !locked {
		return fmt.Errorf("radiofrontend: GPS lock not acquired within %s", maxWait)
	}
	return nil
}
