package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and infrastructure layers return
// these (optionally wrapped) so callers can branch on them with errors.Is.
//
// These represent factual states about resources:
// - ErrNotFound: entity does not exist in store
// - ErrAlreadyUsed: a unique key (company name, ticker, CIK) is already taken
// - ErrInvalidInput: a value failed parsing at a trust boundary
// - ErrUnavailable: service or resource temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
)
