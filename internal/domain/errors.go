package domain

import "errors"

// Sentinel errors for the registry core. Callers classify failures with
// errors.Is and the HTTP adapters map them to wire status codes.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates the operation conflicts with current state,
	// e.g. a name already taken or a delete racing an open reader.
	ErrConflict = errors.New("conflict")
	// ErrDigestMismatch indicates content did not hash to the expected digest.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrManifestInvalid indicates a manifest failed schema validation.
	ErrManifestInvalid = errors.New("manifest invalid")
	// ErrBlobNotFound indicates a manifest references a blob that is absent.
	ErrBlobNotFound = errors.New("referenced blob not found")
	// ErrRangeMismatch indicates an upload chunk does not start at the
	// session's current offset.
	ErrRangeMismatch = errors.New("range mismatch")
	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden indicates valid credentials with insufficient role.
	ErrForbidden = errors.New("forbidden")
	// ErrExpired indicates an upload session past its deadline.
	ErrExpired = errors.New("expired")
	// ErrSessionBusy indicates a concurrent mutation on an upload session.
	ErrSessionBusy = errors.New("upload session busy")
	// ErrNameInvalid indicates an organization, repository or tag name that
	// does not match the required grammar.
	ErrNameInvalid = errors.New("invalid name")
)
