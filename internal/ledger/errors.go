package ledger

import "errors"

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrProjectNotFound       = errors.New("project not found")
	ErrInsufficientBonuses   = errors.New("insufficient bonuses")
	ErrNonPositiveAmount     = errors.New("amount must be positive")
	ErrOrderAlreadyProcessed = errors.New("order already processed")
)
