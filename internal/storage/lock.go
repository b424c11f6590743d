package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
)

// LockFileName is reserved at the storage root; holding it makes a
// mount exclusive.
const LockFileName = ".securefs.lock"

// acquireLock takes the storage root lock, retrying briefly so that an
// unmount racing a mount does not fail spuriously.
func acquireLock(ctx context.Context, root string) (*flock.Flock, error) {
	fl := flock.New(filepath.Join(root, LockFileName))
	err := retry.Do(func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("locking storage root: %w", err))
		}
		if !ok {
			return fmt.Errorf("storage root %s is locked by another process", root)
		}
		return nil
	},
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.MaxDelay(1*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, err
	}
	return fl, nil
}
