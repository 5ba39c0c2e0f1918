package secretstore

import "errors"

// Sentinel errors, returned wrapped by Encrypt/Decrypt so callers can use
// errors.Is against them (spec.md §7's taxonomy).
var (
	// ErrKeyNotConfigured is returned when no KMS key id is configured.
	ErrKeyNotConfigured = errors.New("secretstore: kms key not configured")

	// ErrContextMismatch is returned when KMS rejects a decrypt because the
	// encryption context (tenant id) does not match the one used to encrypt.
	ErrContextMismatch = errors.New("secretstore: encryption context mismatch")

	// ErrKMS wraps any other KMS transport failure.
	ErrKMS = errors.New("secretstore: kms error")
)
