package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// receiptScanPrompt is the shared prompt used by all LLM providers for scanning receipts
const receiptScanPrompt = `You are an assistant that extracts structured data from an expense receipt. Carefully read all text in the image.

Return ONLY valid JSON in this exact format, with no additional text or commentary:
{
  "store_name": "",
  "phone": "",
  "website": "",
  "address": "",
  "date": "YYYY-MM-DD",
  "time": "HH:MM",
  "line_items": ["item description"],
  "total_payment": "$XX.XX",
  "payment_method": "",
  "expense_category": ""
}

Notes on formatting:
- Phone numbers should contain only numbers, spaces, and -() characters
- Website URLs must start with http:// or https://
- Dates must be in YYYY-MM-DD format
- Times must be in 24-hour HH:MM format
- Total payment is the final total or amount due, in $XX.XX format
- For line items, include all purchased items as an array of strings
- Expense category must be one of: travel, meals, office supplies, entertainment, training, transportation.
  Choose the most appropriate category from the store name and purchased items; if none clearly applies use ""
- Use an empty string "" for any field not found on the receipt
- Do not use markdown code blocks`

// documentKind classifies an upload by its declared type, falling back to sniffing the bytes
// since phones frequently send HEIC photos as application/octet-stream.
func documentKind(data []byte, contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case contentType == "application/pdf", bytes.HasPrefix(data, []byte("%PDF-")):
		return "pdf"
	case strings.Contains(contentType, "heic"), strings.Contains(contentType, "heif"), hasHEICBrand(data):
		return "heic"
	case contentType == "image/png", http.DetectContentType(data) == "image/png":
		return "png"
	default:
		return "image"
	}
}

// hasHEICBrand looks for an ISO-BMFF ftyp box with a HEIF family brand.
func hasHEICBrand(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// toPNG renders any supported upload as PNG, which every backend accepts. Only the first
// page of a PDF is used.
func toPNG(data []byte, contentType string) ([]byte, error) {
	switch documentKind(data, contentType) {
	case "png":
		return data, nil
	case "pdf":
		doc, err := fitz.NewFromMemory(data)
		if err != nil {
			return nil, fmt.Errorf("opening PDF: %w", err)
		}
		defer doc.Close()
		img, err := doc.Image(0)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page: %w", err)
		}
		return encodePNG(img)
	case "heic":
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return encodePNG(img)
	default:
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unsupported image format (want JPEG, PNG, GIF, HEIC or PDF): %w", err)
		}
		return encodePNG(img)
	}
}
