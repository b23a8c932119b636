package domain

import "errors"

var (
	// ErrMalformedSnapshot marks inbound data that does not have the required shape.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrBufferOverrun is returned when a full window buffer is offered another snapshot.
	ErrBufferOverrun = errors.New("window buffer overrun")
	// ErrInconsistentWindow is returned when a window mixes machines or node counts.
	ErrInconsistentWindow = errors.New("inconsistent window")
	// ErrRejected marks a record the store refused permanently.
	ErrRejected = errors.New("record rejected by store")
	// ErrForwardExhausted marks a record whose delivery attempts ran out.
	ErrForwardExhausted = errors.New("forward attempts exhausted")
	// ErrInvalidConfig wraps every startup configuration failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)
