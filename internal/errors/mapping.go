package errors

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"keygate/internal/license"
)

// RateLimitRetryAfter is the advisory retry window, in seconds, attached to
// rate-limited rejections.
const RateLimitRetryAfter = 300

// MapLicenseError maps an admission or issuance error to RFC 7807 problem
// details. Rejection detail strings stay deliberately vague for the client
// surface; the classified reason lives in the audit trail, not the response.
func MapLicenseError(err error, traceID, instance string) *ProblemDetails {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled.",
			instance,
		).WithExtension("trace_id", traceID)
	}

	switch {
	case errors.Is(err, license.ErrRateLimited):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			TypeRateLimit,
			"Too Many Requests",
			"Too many validation attempts from this address. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", string(license.CodeRateLimited)).
			WithExtension("retry_after", RateLimitRetryAfter)

	case errors.Is(err, license.ErrNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeLicenseNotFound,
			"License Not Found",
			"The provided license key is not recognized.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", string(license.CodeNotFound))

	case errors.Is(err, license.ErrRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseRevoked,
			"License Revoked",
			"This license key has been revoked.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", string(license.CodeRevoked))

	case errors.Is(err, license.ErrExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseExpired,
			"License Expired",
			"This license key has expired. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", string(license.CodeExpired))

	case errors.Is(err, license.ErrNotActivated):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseNotActivated,
			"License Not Activated",
			"This license key has not been activated yet.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", string(license.CodeNotActivated))

	case errors.Is(err, license.ErrMaxActivations):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseAtCapacity,
			"Activation Limit Reached",
			"This license key has reached its maximum number of activations.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", string(license.CodeMaxActivations))

	case errors.Is(err, license.ErrDuplicateKey):
		return NewProblemDetails(
			http.StatusConflict,
			TypeDuplicateKey,
			"Duplicate License Key",
			"A license with this key already exists.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", string(license.CodeDuplicateKey))

	case errors.Is(err, license.ErrStoreUnavailable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeServiceDown,
			"Service Unavailable",
			"The license store is temporarily unavailable. Please try again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", string(license.CodeStoreUnavailable))

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID)
	}
}

// FieldError is one failed validation constraint.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// NewValidationProblem converts validator failures into problem details.
func NewValidationProblem(err error, traceID, instance string) *ProblemDetails {
	problem := NewProblemDetails(
		http.StatusBadRequest,
		TypeValidation,
		"Validation Failed",
		"One or more request fields failed validation.",
		instance,
	).WithExtension("trace_id", traceID)

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, FieldError{
				Field:   fe.Field(),
				Rule:    fe.Tag(),
				Message: fe.Error(),
			})
		}
		problem.WithExtension("errors", fields)
	} else if err != nil {
		problem.Detail = err.Error()
	}
	return problem
}

// NewBadRequestProblem flags a malformed request body.
func NewBadRequestProblem(detail, traceID, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusBadRequest,
		TypeValidation,
		"Bad Request",
		detail,
		instance,
	).WithExtension("trace_id", traceID)
}

// NewNotFoundProblem flags a missing resource.
func NewNotFoundProblem(detail, traceID, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		detail,
		instance,
	).WithExtension("trace_id", traceID)
}

// NewConflictProblem flags a state conflict, such as editing a revoked key.
func NewConflictProblem(detail, traceID, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusConflict,
		TypeConflict,
		"Conflict",
		detail,
		instance,
	).WithExtension("trace_id", traceID)
}

// NewUnauthorizedProblem flags a missing or invalid admin credential.
func NewUnauthorizedProblem(traceID, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusUnauthorized,
		TypeUnauthorized,
		"Unauthorized",
		"A valid admin token is required for this endpoint.",
		instance,
	).WithExtension("trace_id", traceID)
}

// NewInternalProblem hides internal failure detail behind a generic message.
func NewInternalProblem(traceID, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred while processing your request.",
		instance,
	).WithExtension("trace_id", traceID)
}
