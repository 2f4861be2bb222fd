package perp

import "errors"

// Error taxonomy. Every entry point fails atomically with one of these
// categories; callers dispatch on the category sentinels with errors.Is.
var (
	// ErrValidation covers malformed inputs rejected before any state change.
	ErrValidation = errors.New("validation error")

	// ErrAuthorization covers callers acting on state they do not own.
	ErrAuthorization = errors.New("authorization error")

	// ErrPolicy covers inputs that are well formed but outside the market's
	// configured policy bounds.
	ErrPolicy = errors.New("policy violation")

	// ErrVenue covers execution-venue failures. The operation aborts with no
	// partial state change.
	ErrVenue = errors.New("venue error")

	// ErrQuoteIndeterminate is returned when an open position cannot be
	// quoted. It is never treated as zero; see Engine.QuoteClose.
	ErrQuoteIndeterminate = errors.New("quote indeterminate")
)

// Validation errors.
var (
	ErrMarketExists      = errors.New("market already exists")
	ErrMarketNotFound    = errors.New("market not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionClosed    = errors.New("position closed")
	ErrInvalidMargin     = errors.New("invalid margin")
	ErrInvalidLiquidity  = errors.New("invalid liquidity")
	ErrInvalidTickRange  = errors.New("invalid tick range")
	ErrInvalidLeverage   = errors.New("invalid leverage")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidHolder     = errors.New("invalid holder")
	ErrInvalidIndexPrice = errors.New("invalid index price")
)

// Authorization errors.
var (
	ErrNotHolder  = errors.New("caller is not the position holder")
	ErrNotCreator = errors.New("caller is not the market creator")
)

// Policy errors.
var (
	ErrMarginOutOfBounds   = errors.New("margin outside policy bounds")
	ErrLeverageOutOfBounds = errors.New("leverage outside policy bounds")
	ErrMarginRatioTooLow   = errors.New("margin ratio below initial requirement")
	ErrLockupActive        = errors.New("maker lockup has not elapsed")
	ErrMustLiquidate       = errors.New("position is liquidatable, close via liquidation")
	ErrNotLiquidatable     = errors.New("position is not liquidatable")
)

// Venue errors.
var (
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrInsufficientLiquidity = errors.New("insufficient venue liquidity")
)

// Internal guards.
var (
	ErrReentrantCall   = errors.New("reentrant call rejected")
	ErrClockRegression = errors.New("clock moved backwards")
)

// Category reports the taxonomy sentinel for err, or nil for uncategorized
// errors.
func Category(err error) error {
	for _, cat := range []error{ErrValidation, ErrAuthorization, ErrPolicy, ErrVenue, ErrQuoteIndeterminate} {
		if errors.Is(err, cat) {
			return cat
		}
	}
	return nil
}

// categorize wraps a detail error with its taxonomy sentinel.
func categorize(category, detail error) error {
	return &categorizedError{category: category, detail: detail}
}

type categorizedError struct {
	category error
	detail   error
}

func (e *categorizedError) Error() string {
	return e.category.Error() + ": " + e.detail.Error()
}

func (e *categorizedError) Is(target error) bool {
	return errors.Is(e.category, target) || errors.Is(e.detail, target)
}

func (e *categorizedError) Unwrap() error { return e.detail }
