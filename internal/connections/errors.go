package connections

import "errors"

// ErrCapacity is returned when the process-wide connection ceiling has
// been reached. Expected under load; callers surface it as a 503, never
// as a crash-level error.
var ErrCapacity = errors.New("connection limit reached, try again later")
