package hipaa

import "errors"

// Error taxonomy for the compliance core. Callers wrap these with context
// and test for them with errors.Is.
var (
	// ErrValidation marks input rejected before any checksum or ciphertext
	// was produced.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a lookup of an event or violation that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrChecksumComputation aborts an append; no event is stored without
	// a digest.
	ErrChecksumComputation = errors.New("checksum computation failed")

	ErrAuthenticationFailure = errors.New("ciphertext authentication failed")
	ErrMalformedEnvelope     = errors.New("malformed ciphertext envelope")
	ErrUnknownKeyVersion     = errors.New("unknown key version")
	ErrKeyGeneration         = errors.New("key generation failed")
	ErrAlreadyInitialized    = errors.New("key manager already initialized")
	ErrNotInitialized        = errors.New("key manager not initialized")

	ErrAlreadyResolved = errors.New("violation already resolved")
)
