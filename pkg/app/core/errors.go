package core

import "github.com/pkg/errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotFound            = errors.New("not found")
	ErrQuoteUnavailable    = errors.New("quote unavailable")
	ErrTradingHalted       = errors.New("trading halted")
	// ErrVenueUnavailable stays inside hedging and quote feeding; trading calls never return it.
	ErrVenueUnavailable = errors.New("venue unavailable")
	// ErrInvariant signals state that correct operation can never produce.
	ErrInvariant = errors.New("internal invariant violation")
)
