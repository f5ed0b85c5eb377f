package scanning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	timePattern  = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):[0-5][0-9]$`)
	phonePattern = regexp.MustCompile(`[^0-9\-+()\s]`)

	expenseCategories = []string{"travel", "meals", "office supplies", "entertainment", "training", "transportation"}
)

// rawReceipt mirrors ReceiptData but tolerates a numeric total, which models return often
// enough despite the prompt.
type rawReceipt struct {
	StoreName       string   `json:"store_name"`
	Phone           string   `json:"phone"`
	Website         string   `json:"website"`
	Address         string   `json:"address"`
	Date            string   `json:"date"`
	Time            string   `json:"time"`
	LineItems       []string `json:"line_items"`
	TotalPayment    any      `json:"total_payment"`
	PaymentMethod   string   `json:"payment_method"`
	ExpenseCategory string   `json:"expense_category"`
}

// parseReceiptJSON extracts the JSON object from a model response and normalizes it
func parseReceiptJSON(text string) (*ReceiptData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var raw rawReceipt
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	data := &ReceiptData{
		StoreName:       strings.TrimSpace(raw.StoreName),
		Phone:           strings.TrimSpace(phonePattern.ReplaceAllString(raw.Phone, "")),
		Website:         normalizeWebsite(raw.Website),
		Address:         strings.TrimSpace(raw.Address),
		Date:            normalizeDate(raw.Date),
		Time:            normalizeTime(raw.Time),
		LineItems:       cleanLineItems(raw.LineItems),
		TotalPayment:    normalizeTotal(raw.TotalPayment),
		PaymentMethod:   strings.TrimSpace(raw.PaymentMethod),
		ExpenseCategory: normalizeCategory(raw.ExpenseCategory),
	}
	return data, nil
}

func normalizeWebsite(site string) string {
	site = strings.TrimSpace(site)
	if site == "" || strings.HasPrefix(site, "http://") || strings.HasPrefix(site, "https://") {
		return site
	}
	return "https://" + site
}

// normalizeDate converts common layouts to YYYY-MM-DD. Unparseable dates become empty so the
// owner fills them in rather than trusting a guess.
func normalizeDate(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return ""
	}
	layouts := []string{
		"2006-01-02",
		"2006/01/02",
		"01/02/2006",
		"1/2/2006",
		"01/02/06",
		"02-01-2006",
		"Jan 2, 2006",
		"January 2, 2006",
	}
	for _, layout := range layouts {
		if d, err := time.Parse(layout, date); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}

func normalizeTime(t string) string {
	t = strings.TrimSpace(t)
	if len(t) == 8 && strings.Count(t, ":") == 2 {
		t = t[:5]
	}
	if !timePattern.MatchString(t) {
		return ""
	}
	if len(t) == 4 {
		t = "0" + t
	}
	return t
}

func cleanLineItems(items []string) []string {
	cleaned := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			cleaned = append(cleaned, item)
		}
	}
	return cleaned
}

func normalizeTotal(v any) string {
	var total string
	switch t := v.(type) {
	case string:
		total = strings.TrimSpace(t)
	case float64:
		total = strconv.FormatFloat(t, 'f', 2, 64)
	default:
		return ""
	}
	if total == "" || strings.HasPrefix(total, "$") {
		return total
	}
	return "$" + total
}

func normalizeCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if slices.Contains(expenseCategories, category) {
		return category
	}
	return ""
}
