package models

import (
	"errors"
)

var (
	ErrNoRecord          = errors.New("models: no matching record found")
	ErrDuplicateRecord   = errors.New("models: duplicate record")
	ErrChildNotFound     = errors.New("child not found")
	ErrGroupNotFound     = errors.New("group not found")
	ErrCustomerNotLinked = errors.New("billing customer not found")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMalformedEvent    = errors.New("malformed webhook event")
	ErrUnreadableObject  = errors.New("webhook event object could not be reconciled")
	ErrEventInFlight     = errors.New("webhook event is already being processed")
)

// ErrorResponse is the JSON body returned to clients on failed requests.
type ErrorResponse struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}
