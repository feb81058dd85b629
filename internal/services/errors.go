// Package services defines the business logic for submitting agent requests
// and tracking their asynchronous responses. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

var (
	// ErrResponseNotFound indicates that the requested response record does
	// not exist, has expired, or is not accessible to the current user.
	ErrResponseNotFound = errors.New("response not found")

	// ErrEmptyPayload is returned when a submission carries no request
	// payload.
	ErrEmptyPayload = errors.New("request payload is empty")

	// ErrPayloadTooLarge is returned when a submission exceeds the maximum
	// configured payload size.
	ErrPayloadTooLarge = errors.New("request payload too large")

	// ErrInvalidPayload is returned when a submission payload is not valid
	// JSON.
	ErrInvalidPayload = errors.New("request payload is not valid JSON")

	// ErrNotRetryable is returned when a retry is requested for a response
	// that is not in the failed state.
	ErrNotRetryable = errors.New("response is not in a retryable state")
)
