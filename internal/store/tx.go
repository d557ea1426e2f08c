package store

import "context"

// WithTx begins a transaction, runs fn, and commits on success or rolls
// back if fn returns an error. It is the convenience path for the many
// store operations that only ever need a single round trip; the processor
// runtime's atomic prepare mode uses Begin/Commit/Rollback directly instead
// because it must hold the transaction open across several calls.
func WithTx(ctx context.Context, d Driver, fn func(tx Tx) error) error {
	tx, err := d.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = d.Rollback(ctx, tx)
		return err
	}
	return d.Commit(ctx, tx)
}
