package scanning

import "context"

// ReceiptData is the best-effort field set extracted from a receipt document
type ReceiptData struct {
	StoreName       string   `json:"store_name"`
	Phone           string   `json:"phone"`
	Website         string   `json:"website"`
	Address         string   `json:"address"`
	Date            string   `json:"date"` // YYYY-MM-DD
	Time            string   `json:"time"` // 24-hour HH:MM
	LineItems       []string `json:"line_items"`
	TotalPayment    string   `json:"total_payment"`
	PaymentMethod   string   `json:"payment_method"`
	ExpenseCategory string   `json:"expense_category"`
}

// Scanner defines the interface for receipt scanning operations
type Scanner interface {
	// ScanReceipt analyzes a receipt image/PDF and extracts its fields
	ScanReceipt(ctx context.Context, imageData []byte, contentType string) (*ReceiptData, error)
	// Close closes the scanner and releases resources
	Close() error
}
