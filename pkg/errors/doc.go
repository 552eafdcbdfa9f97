// Package errors provides structured error handling with error codes for simple-impersonate.
//
// Errors carry a typed code, a human readable message, optional details and
// an optional wrapped cause. Codes map onto HTTP status codes so handlers can
// surface them without a per-call switch.
//
//	err := errors.NotFound("session", id)
//	err := errors.TenantMismatch("session", id, tenantID)
//	err := errors.Storage(dbErr, "insert session")
//
//	if errors.IsCode(err, errors.ErrCodeNotFound) {
//		// ...
//	}
//
// Storage and timeout failures are retryable (see IsRetryable). A denied
// admission is never an error; it is reported through a Decision value.
package errors
