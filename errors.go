package cachezone

import (
	"github.com/jmgilman/go/errors"
)

const (
	// CodeOriginUnavailable covers connection failures, timeouts and truncated bodies.
	CodeOriginUnavailable errors.ErrorCode = "ORIGIN_UNAVAILABLE"
	// CodeOriginError is an origin answer with a status listed as a stale trigger.
	CodeOriginError errors.ErrorCode = "ORIGIN_ERROR"
)

func originUnavailable(err error) error {
	return errors.WithClassification(
		errors.Wrap(err, CodeOriginUnavailable, "origin unavailable"),
		errors.ClassificationRetryable)
}

func originError(status int) error {
	return errors.WithContext(
		errors.Newf(CodeOriginError, "origin answered with status %d", status),
		"status", status)
}
