package retry

import (
	"context"
	"errors"
	"reflect"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jpillora/backoff"
)

var log = logging.Logger("retry")

func errorIsIn(err error, errorTypes []error) bool {
	for _, etype := range errorTypes {
		tmp := reflect.New(reflect.PointerTo(reflect.ValueOf(etype).Elem().Type())).Interface()
		if errors.As(err, tmp) {
			return true
		}
	}
	return false
}

// Retry runs f up to attempts times, sleeping between tries per the given
// backoff policy. Only errors matching one of errorTypes are retried; any
// other error returns immediately.
func Retry[T any](ctx context.Context, attempts int, b *backoff.Backoff, errorTypes []error, f func() (T, error)) (result T, err error) {
	for i := 0; i < attempts; i++ {
		if i > 0 {
			log.Infow("retrying after error", "attempt", i, "error", err)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}
		result, err = f()
		if err == nil || !errorIsIn(err, errorTypes) {
			return result, err
		}
	}
	log.Errorf("failed after %d attempts, last error: %s", attempts, err)
	return result, err
}
