package state

import "context"

// UpdateFunc receives the current record (empty when absent) and returns the
// record to persist. Returning a nil or empty record removes the state.
type UpdateFunc func(current Record) (Record, error)

// Store is a key-value store of named records whose read-modify-write
// sequences are atomic, including across processes for file-backed stores.
type Store interface {
	// Load returns the named record. A missing record is not an error.
	Load(ctx context.Context, name string) (Record, error)

	// Update runs fn under the record's lock and persists its result.
	Update(ctx context.Context, name string, fn UpdateFunc) error

	// CompareAndSwap replaces the record with next only if it currently
	// equals old (nil or empty old means "absent").
	CompareAndSwap(ctx context.Context, name string, old, next Record) (bool, error)

	// Delete removes the named record; a missing record is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of records starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

func compareAndSwap(ctx context.Context, s Store, name string, old, next Record) (bool, error) {
	swapped := false
	err := s.Update(ctx, name, func(cur Record) (Record, error) {
		if !cur.Equal(old) {
			return cur, nil
		}
		swapped = true
		if len(next) == 0 {
			return nil, nil
		}

		return next.Clone(), nil
	})

	return swapped, err
}
