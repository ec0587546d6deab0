package data

import "errors"

// Standard index errors that backend implementations should use.
// Lookup misses are reported through ok-booleans, never through errors;
// the sentinels below cover the fatal and retryable taxonomy only.
var (
	// ErrUnknownResource reports an operation on an internal id that
	// does not exist.
	ErrUnknownResource = errors.New("pacsindex: unknown resource")

	// ErrDuplicateResource reports an attempt to create a resource whose
	// public id is already taken. Never retried.
	ErrDuplicateResource = errors.New("pacsindex: duplicate resource")

	// ErrConflict reports a serialization conflict between concurrent
	// transactions. The engine retries these with backoff.
	ErrConflict = errors.New("pacsindex: transaction conflict")

	// ErrInvalidState reports a programming error such as committing a
	// transaction twice. Never retried.
	ErrInvalidState = errors.New("pacsindex: invalid transaction state")

	// ErrBackendUnavailable reports a lost or unopenable backend
	// connection.
	ErrBackendUnavailable = errors.New("pacsindex: backend unavailable")

	// ErrInvalidLevel reports a resource level outside the hierarchy.
	ErrInvalidLevel = errors.New("pacsindex: invalid resource level")

	// ErrSchemaVersion reports a store written by an incompatible
	// schema version.
	ErrSchemaVersion = errors.New("pacsindex: incompatible schema version")

	// ErrUnknownBlob reports a blob uuid with no stored content.
	ErrUnknownBlob = errors.New("pacsindex: unknown blob")
)
