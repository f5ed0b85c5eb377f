package receipt

import (
	"fmt"
	"strings"
	"time"

	"github.com/zombor/receipt-approvals/internal/apperr"
)

// Status is a receipt's position in the approval lifecycle
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"

	// statusDenied is the older name for StatusRejected, still accepted on input.
	statusDenied Status = "denied"
)

// ParseStatus normalizes a status name, mapping the deprecated "denied" onto StatusRejected.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusSubmitted, StatusApproved, StatusRejected:
		return st, nil
	case statusDenied:
		return StatusRejected, nil
	default:
		return "", fmt.Errorf("unknown status %q: %w", s, apperr.ErrInvalidArgument)
	}
}

// Terminal reports whether no transition leaves s
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Expense categories
const (
	CategoryTravel         = "travel"
	CategoryMeals          = "meals"
	CategoryOfficeSupplies = "office supplies"
	CategoryEntertainment  = "entertainment"
	CategoryTraining       = "training"
	CategoryTransportation = "transportation"
)

// Categories lists every accepted expense category
var Categories = []string{
	CategoryTravel,
	CategoryMeals,
	CategoryOfficeSupplies,
	CategoryEntertainment,
	CategoryTraining,
	CategoryTransportation,
}

// Fields is the mutable part of a receipt, as produced by extraction or edited by the owner
type Fields struct {
	StoreName       string   `json:"store_name" validate:"required"`
	Phone           string   `json:"phone"`
	Website         string   `json:"website"`
	Address         string   `json:"address"`
	Date            string   `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Time            string   `json:"time" validate:"omitempty,datetime=15:04"`
	TotalPayment    string   `json:"total_payment" validate:"required"`
	PaymentMethod   string   `json:"payment_method"`
	ExpenseCategory string   `json:"expense_category" validate:"omitempty,oneof=travel meals 'office supplies' entertainment training transportation"`
	LineItems       []string `json:"line_items"`
}

// Receipt is a submitted expense. Owner and ProcessedAt form its identity and never change.
type Receipt struct {
	Owner       string    `json:"username"`
	ProcessedAt string    `json:"processed_at"`
	ImageRef    string    `json:"image_filename,omitempty"`
	Status      Status    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
	Fields
}

// Key identifies a receipt
type Key struct {
	Owner       string
	ProcessedAt string
}

// Key returns the receipt's identity
func (r *Receipt) Key() Key {
	return Key{Owner: r.Owner, ProcessedAt: r.ProcessedAt}
}
