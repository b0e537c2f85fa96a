package memocache

import (
	"context"
	"time"
)

// errorStore stands in for a store that failed to open. It keeps the requested
// driver identity and surfaces the construction error on every call.
type errorStore struct {
	driver Driver
	err    error
}

func (e *errorStore) Driver() Driver { return e.driver }

func (e *errorStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, e.err }

func (e *errorStore) Set(context.Context, string, []byte, time.Duration) error { return e.err }

func (e *errorStore) Add(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, e.err
}

func (e *errorStore) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, e.err
}

func (e *errorStore) Decrement(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, e.err
}

func (e *errorStore) Delete(context.Context, string) error        { return e.err }
func (e *errorStore) DeleteMany(context.Context, ...string) error { return e.err }
func (e *errorStore) Flush(context.Context) error                 { return e.err }
