package authority

import "errors"

var (
	ErrNotFound       = errors.New("record not found")
	ErrInvalidPayload = errors.New("invalid record payload")
	ErrDomainKeyTaken = errors.New("domain key already in use")
	// ErrDomainKeyDeleted is returned when a create names the domain key of a
	// record that has since been deleted.
	ErrDomainKeyDeleted = errors.New("domain key belongs to a deleted record")
)
