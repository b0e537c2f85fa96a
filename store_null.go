package memocache

import (
	"context"
	"time"
)

// nullStore retains nothing. Add always succeeds, so every Remember call wins
// the lock and runs its resolver.
type nullStore struct{}

func newNullStore() Store { return nullStore{} }

func (nullStore) Driver() Driver { return DriverNull }

func (nullStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

func (nullStore) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (nullStore) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (nullStore) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, nil
}

func (nullStore) Decrement(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, nil
}

func (nullStore) Delete(context.Context, string) error        { return nil }
func (nullStore) DeleteMany(context.Context, ...string) error { return nil }
func (nullStore) Flush(context.Context) error                 { return nil }
