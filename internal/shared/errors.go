package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrEmailInUse indicates a sign-up attempt for an already registered address.
	ErrEmailInUse = errors.New("email already in use")
	// ErrWeakPassword indicates the password does not meet the minimum policy.
	ErrWeakPassword = errors.New("password too weak")
	// ErrNotAuthenticated indicates an operation that requires a signed-in subject.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrProviderUnavailable indicates a collaborator (identity provider or
	// profile store) failed at the network or service level.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrReconciliationFailed indicates the privileged role-sync procedure errored.
	ErrReconciliationFailed = errors.New("role reconciliation failed")
	// ErrForbidden indicates the caller's role tier is insufficient.
	ErrForbidden = errors.New("insufficient permissions")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)
