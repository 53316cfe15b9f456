package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers distinguish it from storage failures with errors.Is:
//
//	user, err := repo.GetByUsername(ctx, name)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    unknown user
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert would violate a unique constraint,
// for example a second user with the same username or a group conversation
// whose name is already taken.
var ErrConflict = errors.New("record already exists")
