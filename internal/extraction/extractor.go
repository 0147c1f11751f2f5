package extraction

import (
	"context"
	"fmt"
	"time"
)

// LineItem is a single purchased line on an invoice
type LineItem struct {
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	UnitPrice   *float64 `json:"unit_price,omitempty"`
	Total       float64  `json:"total"`
}

// Invoice contains the data extracted for one invoice. A single document
// may contain any number of them.
type Invoice struct {
	VendorName    string     `json:"vendor_name"`
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	Date          string     `json:"date,omitempty"` // ISO 8601 when recognised
	Time          string     `json:"time,omitempty"` // HH:MM
	Currency      string     `json:"currency,omitempty"`
	TotalAmount   float64    `json:"total_amount"`
	Items         []LineItem `json:"items"`
}

// Extractor defines the interface for invoice extraction services
type Extractor interface {
	// Extract analyzes an image or PDF and returns every invoice found in it.
	// An empty result without error means the document held no invoice.
	Extract(ctx context.Context, data []byte, contentType string) ([]Invoice, error)
	// Close closes the extractor and releases resources
	Close() error
}

// RateLimitError reports that the service rejected a call because of its
// rate limit. RetryAfter is zero when the service gave no interval.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}
