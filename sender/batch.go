package sender

import (
	"context"
	"errors"

	"github.com/next-trace/scg-communication/contract/comms"
)

// BatchOptions controls SendBatch.
// OnProgress is called after each model is attempted with done and total.
// OnError is called for each failed send with its index and model.
type BatchOptions[T any] struct {
	OnProgress func(done, total int)
	OnError    func(index int, model T, err error)
	Send       []comms.SendOption
}

// BatchOpt configures BatchOptions.
type BatchOpt[T any] func(*BatchOptions[T])

// WithBatchProgress sets the progress callback.
func WithBatchProgress[T any](fn func(done, total int)) BatchOpt[T] {
	return func(o *BatchOptions[T]) { o.OnProgress = fn }
}

// WithBatchOnError sets the error callback.
func WithBatchOnError[T any](fn func(index int, model T, err error)) BatchOpt[T] {
	return func(o *BatchOptions[T]) { o.OnError = fn }
}

// WithBatchSendOptions applies opts to every send in the batch.
func WithBatchSendOptions[T any](opts ...comms.SendOption) BatchOpt[T] {
	return func(o *BatchOptions[T]) { o.Send = append(o.Send, opts...) }
}

// SendBatch sends models one after another through s. A failed send does not
// stop the batch; cancellation of ctx does. The returned error joins every
// failure.
func SendBatch[T any](ctx context.Context, s *Sender[T], models []T, opts ...BatchOpt[T]) error {
	var o BatchOptions[T]
	for _, f := range opts {
		f(&o)
	}

	total := len(models)

	var errs []error

	for i, m := range models {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		if err := s.Send(ctx, m, o.Send...); err != nil {
			if o.OnError != nil {
				o.OnError(i, m, err)
			}

			errs = append(errs, err)
		}

		if o.OnProgress != nil {
			o.OnProgress(i+1, total)
		}
	}

	return errors.Join(errs...)
}
