package ledger

import "github.com/shopspring/decimal"

// MatchConfig tunes duplicate detection and transfer matching. It is a value
// object passed per call, never persisted on transactions.
type MatchConfig struct {
	// AmountTolerance is the relative amount difference (e.g. 0.02 = 2%)
	// still considered a match.
	AmountTolerance float64 `json:"amount_tolerance"`

	// FixedAmountTolerance is the absolute difference, in currency units,
	// still considered a match regardless of the relative difference.
	FixedAmountTolerance decimal.Decimal `json:"fixed_amount_tolerance"`

	// DateToleranceDays is how many days apart two dates may be and still
	// count as matching (with a score penalty).
	DateToleranceDays int `json:"date_tolerance_days"`

	// RequireExactDescription disables the fuzzy description comparison.
	RequireExactDescription bool `json:"require_exact_description"`

	// RequireSameAccount restricts duplicate candidates to the same account.
	RequireSameAccount bool `json:"require_same_account"`

	// TransferWindowDays is the matching window for pairing the two legs of
	// an internal transfer.
	TransferWindowDays int `json:"transfer_window_days"`
}

// DefaultMatchConfig returns the tolerances duplicate detection and transfer
// matching were tuned with.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		AmountTolerance:         0.02,
		FixedAmountTolerance:    decimal.NewFromInt(1),
		DateToleranceDays:       3,
		RequireExactDescription: false,
		RequireSameAccount:      true,
		TransferWindowDays:      7,
	}
}
