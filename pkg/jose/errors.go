package jose

import "errors"

var (
	// ErrMalformed is returned for input that is not a well-formed compact
	// serialization.
	ErrMalformed = errors.New("malformed token")
	// ErrKeyNotFound is returned when the header kid resolves to no known
	// key. Distinct from a signature mismatch.
	ErrKeyNotFound = errors.New("key not found")
	// ErrInvalidSignature covers every verification failure. The cause is
	// deliberately not exposed.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrDecryption covers every JWE unwrap or integrity failure. The cause
	// is deliberately not exposed.
	ErrDecryption = errors.New("decryption failed")
)
