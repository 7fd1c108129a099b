package schemas

import "errors"

// Error taxonomy shared by the stores, the feed framework and the scheduler.
// Callers wrap these with fmt.Errorf and test with errors.Is.
var (
	// ErrFetch marks a transport failure. The feed cycle is aborted.
	ErrFetch = errors.New("fetch failed")
	// ErrDecode marks a payload that could not be decoded. The feed cycle is aborted.
	ErrDecode = errors.New("decode failed")
	// ErrSkipRecord marks a single record that should be skipped.
	ErrSkipRecord = errors.New("record skipped")
	// ErrValidation marks input that failed validation (bad value, tag or context).
	ErrValidation = errors.New("validation failed")
	// ErrReference marks an edge whose endpoint does not exist.
	ErrReference = errors.New("reference error")
	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating an entity whose key is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned by compare-and-set updates that lost a race.
	ErrConflict = errors.New("version conflict")
)

// IsRecordError reports whether err only affects the record being analyzed
// and the batch may continue.
func IsRecordError(err error) bool {
	return errors.Is(err, ErrSkipRecord) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrReference)
}
