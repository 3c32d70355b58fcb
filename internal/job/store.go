package job

import "context"

// Store persists jobs and the rows they land.
type Store interface {
	// Create inserts j and assigns j.ID.
	Create(ctx context.Context, j *Job) error
	// Get returns nil, nil when no job has the given id.
	Get(ctx context.Context, id int64) (*Job, error)
	// Update replaces every mutable field of j, provided the stored state is
	// still from. Otherwise it returns ErrStateConflict.
	Update(ctx context.Context, j *Job, from State) error
	ExistsByPeriodAndState(ctx context.Context, period string, states []State, excludeID int64) (bool, error)
	// ExistsEarlierByPeriodAndState only considers jobs registered before beforeID.
	ExistsEarlierByPeriodAndState(ctx context.Context, period string, states []State, beforeID int64) (bool, error)
	// ListByUser returns a page of the user's jobs, newest first, plus the total count.
	ListByUser(ctx context.Context, user string, limit, offset int) ([]*Job, int, error)

	ProductExists(ctx context.Context, code string) (bool, error)
	InsertProducts(ctx context.Context, products []Product) error
	InsertFailures(ctx context.Context, failures []Failure) error
	// ListFailures returns the rejected rows of a job ordered by position.
	ListFailures(ctx context.Context, jobID int64) ([]Failure, error)

	// WithTx runs fn against a Store bound to a single transaction, committing
	// when fn returns nil. Calling WithTx on a transactional Store reuses it.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	// LockPeriod serialises period guards until the enclosing transaction ends.
	LockPeriod(ctx context.Context, period string) error
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func stateArgs(states []State) []any {
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return args
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
