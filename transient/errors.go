package transient

import (
	"errors"
	"fmt"

	units "github.com/docker/go-units"
)

var (
	// ErrMaximumTransientSpaceExceeded is matched by errors.Is when a blob
	// write is refused by the store quota. The write changed nothing, so the
	// caller may remove or release other entries and retry.
	ErrMaximumTransientSpaceExceeded = errors.New("maximum transient space exceeded")

	// ErrInvalidID is returned for an empty entry id.
	ErrInvalidID = errors.New("transient: entry id must not be empty")

	// ErrInvalidParameterName is returned for an empty parameter name.
	ErrInvalidParameterName = errors.New("transient: parameter name must not be empty")

	// ErrBlobNotFound is returned by OpenBlob when the content is gone.
	ErrBlobNotFound = errors.New("transient: blob content not found")

	// ErrRegistryShutdown is returned by lookups after Shutdown.
	ErrRegistryShutdown = errors.New("transient: registry is shut down")
)

// QuotaExceededError describes a rejected blob write.
type QuotaExceededError struct {
	Store     string
	ID        string
	Requested int64 // size change the write would have applied
	Current   int64 // storage size at the time of the write
	Max       int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s: store %s entry %s: %s more would exceed %s (in use %s)",
		ErrMaximumTransientSpaceExceeded,
		e.Store, e.ID,
		units.BytesSize(float64(e.Requested)),
		units.BytesSize(float64(e.Max)),
		units.BytesSize(float64(e.Current)),
	)
}

// Is matches ErrMaximumTransientSpaceExceeded.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrMaximumTransientSpaceExceeded
}
