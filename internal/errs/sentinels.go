// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/client/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAuthExpired indicates the provider rejected the refresh token; interactive re-authorization is required.
	ErrAuthExpired = errors.New("authorization expired")

	// ErrUnauthorized indicates the provider rejected the access token for a request.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the request budget stayed exhausted after bounded backoff.
	ErrRateLimited = errors.New("rate limited")

	// ErrFetchFailed indicates a remote call failed after bounded retries.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrStoreWriteFailed indicates the local store rejected a write.
	ErrStoreWriteFailed = errors.New("store write failed")

	// ErrInvalidPayload indicates a remote record could not be converted to the local schema.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrLocked indicates another sync run holds the run lock.
	ErrLocked = errors.New("sync already running")
)
