package domain

import "errors"

var (
	// ErrRecordNotFound is the normal negative outcome of a lookup.
	ErrRecordNotFound = errors.New("record not found")

	ErrStoreTransport     = errors.New("store transport failure")
	ErrStoreQuery         = errors.New("store query failure")
	ErrStorePoolExhausted = errors.New("store pool exhausted")

	ErrBrokerPoolExhausted = errors.New("broker channel pool exhausted")
	ErrBrokerPublish       = errors.New("broker publish failure")
)
