package ledger

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Type classifies a transaction by its effect on the ledger.
type Type string

const (
	TypeIncome          Type = "income"
	TypeExpense         Type = "expense"
	TypeTransfer        Type = "transfer"
	TypeAssetAllocation Type = "asset-allocation"
)

// Reserved categories. A transaction carrying one of these must have the
// corresponding Type; the reconciler enforces this after every mutation.
const (
	CategoryInternalTransfer = "Internal Transfer"
	CategoryAssetAllocation  = "Asset Allocation"
)

// Transaction is one record of the ledger.
// Amounts are signed: negative is an outflow from the owning account,
// positive an inflow.
type Transaction struct {
	ID          string          `json:"id"`
	Date        civil.Date      `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Account     string          `json:"account"`

	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	Type        Type   `json:"type"`

	// ReimbursementID points at the other leg of a confirmed transfer pairing
	// or manual match. TransferID mirrors it for transfer bookkeeping; the leg
	// with the negative amount carries IsTransferPrimary.
	ReimbursementID   string `json:"reimbursement_id,omitempty"`
	TransferID        string `json:"transfer_id,omitempty"`
	IsTransferPrimary bool   `json:"is_transfer_primary,omitempty"`

	// MatchNote is the user-visible annotation derived from the link fields.
	// It is cleared whenever the link is cleared.
	MatchNote string `json:"match_note,omitempty"`

	AddedAt    time.Time `json:"added_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// IsLinked reports whether the transaction references a partner leg.
func (t Transaction) IsLinked() bool {
	return t.ReimbursementID != "" || t.TransferID != ""
}

// TransactionInput is the strict ingestion-boundary form of a transaction:
// what the upstream parsing and classification pipeline produces, before the
// ledger assigns identity and bookkeeping fields.
type TransactionInput struct {
	Date        civil.Date      `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Account     string          `json:"account"`
	Category    string          `json:"category"`
	Subcategory string          `json:"subcategory,omitempty"`
	Type        Type            `json:"type,omitempty"`
}

// Materialize turns an admitted input into a ledger record: it assigns a fresh
// ID and timestamps and forces Type into agreement with the category.
func (in TransactionInput) Materialize(now time.Time) Transaction {
	t := Transaction{
		ID:          uuid.NewString(),
		Date:        in.Date,
		Amount:      in.Amount,
		Description: in.Description,
		Account:     in.Account,
		Category:    in.Category,
		Subcategory: in.Subcategory,
		Type:        in.Type,
		AddedAt:     now,
		ModifiedAt:  now,
	}
	if forced, ok := TypeForReservedCategory(t.Category); ok {
		t.Type = forced
	} else if t.Type == "" {
		t.Type = TypeForAmount(t.Amount)
	}
	return t
}

// TypeForReservedCategory returns the Type a reserved category mandates.
func TypeForReservedCategory(category string) (Type, bool) {
	switch category {
	case CategoryInternalTransfer:
		return TypeTransfer, true
	case CategoryAssetAllocation:
		return TypeAssetAllocation, true
	default:
		return "", false
	}
}

// TypeForAmount derives the ordinary-category Type from the amount's sign.
func TypeForAmount(amount decimal.Decimal) Type {
	if amount.IsNegative() {
		return TypeExpense
	}
	return TypeIncome
}

// TypeForCategory computes the Type a transaction must carry given its
// category: reserved categories force their Type, anything else derives the
// Type from the amount's sign.
func TypeForCategory(category string, amount decimal.Decimal) Type {
	if forced, ok := TypeForReservedCategory(category); ok {
		return forced
	}
	return TypeForAmount(amount)
}
