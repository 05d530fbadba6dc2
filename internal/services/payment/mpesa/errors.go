package mpesa

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is the parent of every input error detected before a network call
	ErrValidation = errors.New("validation failed")
	// ErrInvalidPhoneFormat is returned when a phone number cannot be normalized
	ErrInvalidPhoneFormat = fmt.Errorf("%w: invalid phone number format", ErrValidation)
	// ErrInvalidAmount is returned for amounts outside the accepted range
	ErrInvalidAmount = fmt.Errorf("%w: amount must be between %d and %d", ErrValidation, MinAmount, MaxAmount)

	// ErrCredentials is returned when the consumer key/secret are missing or rejected
	ErrCredentials = errors.New("mpesa credentials missing or rejected")
	// ErrConnectivity wraps transport-level failures (DNS, refused, timeout)
	ErrConnectivity = errors.New("mpesa gateway unreachable")
	// ErrUnexpectedResponse is returned when the gateway answers with a body we cannot use
	ErrUnexpectedResponse = errors.New("unexpected response from mpesa gateway")
	// ErrGatewayRejected matches every *RejectedError
	ErrGatewayRejected = errors.New("mpesa gateway rejected the request")
	// ErrMalformedCallback is returned when a callback body lacks Body.stkCallback fields
	ErrMalformedCallback = errors.New("malformed stk callback")
)

// RejectedError carries the provider's own code and message when it declines a request
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("mpesa gateway rejected the request: %s", e.Message)
	}
	return fmt.Sprintf("mpesa gateway rejected the request: %s (code %s)", e.Message, e.Code)
}

// Is lets errors.Is(err, ErrGatewayRejected) match a *RejectedError
func (e *RejectedError) Is(target error) bool {
	return target == ErrGatewayRejected
}
