package pronunciation

import "errors"

var (
	// ErrMalformedResult means a recognizer payload could not be parsed at
	// all. Callers fall back to an unscored report carrying the raw payload.
	ErrMalformedResult = errors.New("malformed recognizer result")

	// ErrAlignmentFailure means the edit-distance alignment could not be
	// computed. Callers keep the recognizer's own error types.
	ErrAlignmentFailure = errors.New("alignment failed")
)
