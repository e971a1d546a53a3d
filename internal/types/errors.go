package types

import "errors"

var (
	// ErrAdmissionDenied is returned when a rate limit or IP block refuses a connection.
	ErrAdmissionDenied = errors.New("admission denied")
	// ErrAuthenticationFailed covers absent, invalid or expired tokens and inactive users or tenants.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrTenantViolation is a valid identity acting outside its tenant.
	ErrTenantViolation = errors.New("tenant violation")
	// ErrMalformedEvent is an event that fails catalog or envelope validation.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrStoreUnavailable wraps I/O failures against the shared presence store.
	ErrStoreUnavailable = errors.New("store unavailable")
)
