package calls

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("calls: record not found")

	// ErrConflict means a conditional update observed a different status than
	// expected; the caller should re-read and re-evaluate the transition.
	ErrConflict = errors.New("calls: status conflict")
)

// Store persists call records. Update is conditional on the record's current
// status so that two racing producers cannot interleave a stale write between
// another producer's read and write.
type Store interface {
	Insert(ctx context.Context, rec CallRecord) error

	Get(ctx context.Context, id string) (CallRecord, error)

	// GetByProviderCallID resolves a record from the external call identifier
	// carried by delivery-status callbacks.
	GetByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error)

	// Update writes rec only if the stored status still equals expectedStatus
	// (ErrConflict otherwise).
	Update(ctx context.Context, rec CallRecord, expectedStatus CallStatus) error

	// ListByUser returns the user's records, newest first, at most limit.
	ListByUser(ctx context.Context, userID string, limit int) ([]CallRecord, error)
}
