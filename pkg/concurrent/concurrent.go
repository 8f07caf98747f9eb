package concurrent

import (
	"context"

	"github.com/zeusync/hotswap/pkg/sequence"
	"golang.org/x/sync/errgroup"
)

// ForEach runs action for every element of the iterator, bounded to limit
// goroutines (limit <= 0 means unbounded). The context passed to action is
// cancelled on the first error, which is the one returned.
func ForEach[T any](ctx context.Context, i *sequence.Iterator[T], limit int, action func(context.Context, T) error) error {
	errGroup, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		errGroup.SetLimit(limit)
	}

	for value := range i.Seq() {
		if groupCtx.Err() != nil {
			break
		}
		errGroup.Go(func() error {
			return action(groupCtx, value)
		})
	}

	return errGroup.Wait()
}

// Collect runs action for every element and gathers each element's error, in input order.
// Unlike ForEach, one failure does not cancel the others.
func Collect[T any](i *sequence.Iterator[T], limit int, action func(T) error) []error {
	in := i.Collect()
	errs := make([]error, len(in))

	errGroup := errgroup.Group{}
	if limit > 0 {
		errGroup.SetLimit(limit)
	}
	for idx, value := range in {
		errGroup.Go(func() error {
			errs[idx] = action(value)
			return nil
		})
	}
	_ = errGroup.Wait()
	return errs
}
