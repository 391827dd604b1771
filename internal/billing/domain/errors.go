package domain

import "errors"

var (
	ErrMissingEventID   = errors.New("missing_event_id")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrSecretMissing    = errors.New("webhook_secret_missing")
	ErrUnknownCustomer  = errors.New("unknown_provider_customer")
)
