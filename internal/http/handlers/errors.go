// Package handlers defines HTTP-layer error codes used by the webhook and
// fallback responses. Codes are lowercase snake_case and stable, so operators
// can branch on them in log pipelines and alerts.
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeBadEnvelope      = "bad_envelope"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
)
