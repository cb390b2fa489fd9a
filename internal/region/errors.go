package region

import "errors"

var (
	// ErrAllocation is returned when a region cannot be created: the name is
	// taken or the memory cannot be reserved.
	ErrAllocation = errors.New("region: allocation failed")
	// ErrNotFound is returned when attaching to a region that does not exist.
	ErrNotFound = errors.New("region: not found")
	// ErrNotReady is returned when the region exists but its owner has not
	// finished initialising it.
	ErrNotReady = errors.New("region: not ready")
	// ErrLayout is returned for a region written by an incompatible layout.
	ErrLayout = errors.New("region: incompatible layout")
	// ErrTornRead is returned when no consistent frame could be read within
	// the retry budget.
	ErrTornRead = errors.New("region: torn frame read")
	// ErrNotOwner is returned when a non-owner tries to destroy the region.
	ErrNotOwner = errors.New("region: not the owner")
	// ErrCapacity is returned for shapes larger than the region was created for.
	ErrCapacity = errors.New("region: exceeds capacity")
	// ErrClosed is returned by operations on a closed handle.
	ErrClosed = errors.New("region: closed")
)
