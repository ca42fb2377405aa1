package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid database execution context")
	ErrOperationFailed    = errors.New("database operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Payment engine errors
	ErrGatewayConfig      = errors.New("gateway credentials missing or invalid")
	ErrProviderTransport  = errors.New("provider transport failure")
	ErrAuthVerification   = errors.New("notification failed authentication")
	ErrReconciliation     = errors.New("event does not resolve to a known payment")
	ErrSubscriptionActive = errors.New("subscription is already active")
	ErrUnknownGateway     = errors.New("unknown payment gateway")
	ErrAmountMismatch     = errors.New("provider amount does not match ledger amount")
	ErrRateLimited        = errors.New("too many requests")
)
