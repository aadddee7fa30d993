package cache

import (
	"github.com/jmgilman/go/errors"
)

const (
	// CodeStorageFull is returned by Put when the zone cannot take the entry.
	// It is retryable: the sweeper frees space over time.
	CodeStorageFull errors.ErrorCode = "STORAGE_FULL"
	// CodeStorageIO wraps any failure of the record store.
	CodeStorageIO errors.ErrorCode = "STORAGE_IO_FAILURE"
)

var errMissingRecord = errors.New(errors.CodeNotFound, "indexed record is missing from the store")

func storageFull(format string, args ...interface{}) error {
	return errors.WithClassification(errors.Newf(CodeStorageFull, format, args...), errors.ClassificationRetryable)
}

func storageIO(err error, op string, address string) error {
	return errors.WithContextMap(errors.Wrap(err, CodeStorageIO, "record store "+op+" failed"), map[string]interface{}{
		"op":      op,
		"address": address,
	})
}

// IsStorageFull reports whether err is a StorageFull refusal.
func IsStorageFull(err error) bool {
	return errors.GetCode(err) == CodeStorageFull
}

// IsStorageIO reports whether err is a record store failure.
func IsStorageIO(err error) bool {
	return errors.GetCode(err) == CodeStorageIO
}
