package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// number accepts JSON numbers, numeric strings and null. Anything that
// cannot be read as a number decodes to an invalid zero instead of failing.
type number struct {
	value float64
	valid bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	*n = number{}
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return nil
		}
		n.value, n.valid = parseAmount(str)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	n.value, n.valid = v, true
	return nil
}

func (n number) ptr() *float64 {
	if !n.valid {
		return nil
	}
	v := n.value
	return &v
}

// text accepts JSON strings and numbers (invoice numbers often come back as
// numbers); anything else decodes to "".
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	*t = ""
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return nil
		}
		*t = text(strings.TrimSpace(str))
		return nil
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		*t = text(s)
	}
	return nil
}

type rawLineItem struct {
	Description text   `json:"description"`
	Quantity    number `json:"quantity"`
	UnitPrice   number `json:"unitPrice"`
	Total       number `json:"total"`
}

// rawItems ignores an items field that is not a list
type rawItems []rawLineItem

func (r *rawItems) UnmarshalJSON(b []byte) error {
	*r = nil
	if !bytes.HasPrefix(bytes.TrimSpace(b), []byte("[")) {
		return nil
	}
	var items []rawLineItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	*r = items
	return nil
}

type rawInvoice struct {
	InvoiceNumber text     `json:"invoiceNumber"`
	Date          text     `json:"date"`
	Time          text     `json:"time"`
	VendorName    text     `json:"vendorName"`
	TotalAmount   number   `json:"totalAmount"`
	Currency      text     `json:"currency"`
	Items         rawItems `json:"items"`
}

func (r rawInvoice) empty() bool {
	return r.VendorName == "" && r.InvoiceNumber == "" && !r.TotalAmount.valid && len(r.Items) == 0
}

func (r rawInvoice) invoice() Invoice {
	inv := Invoice{
		VendorName:    string(r.VendorName),
		InvoiceNumber: string(r.InvoiceNumber),
		Date:          normalizeDate(string(r.Date)),
		Time:          string(r.Time),
		Currency:      strings.ToUpper(string(r.Currency)),
		TotalAmount:   r.TotalAmount.value,
		Items:         make([]LineItem, 0, len(r.Items)),
	}
	for _, item := range r.Items {
		inv.Items = append(inv.Items, LineItem{
			Description: string(item.Description),
			Quantity:    item.Quantity.ptr(),
			UnitPrice:   item.UnitPrice.ptr(),
			Total:       item.Total.value,
		})
	}
	return inv
}

// parseInvoicesJSON parses a model response holding a single invoice object,
// an array of invoices, or an {"invoices": [...]} wrapper
func parseInvoicesJSON(response string) ([]Invoice, error) {
	body, err := extractJSON(response)
	if err != nil {
		return nil, err
	}

	var raws []rawInvoice
	if body[0] == '[' {
		if err := json.Unmarshal(body, &raws); err != nil {
			return nil, fmt.Errorf("unmarshaling invoice list: %w", err)
		}
	} else {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("unmarshaling json: %w", err)
		}
		if list, ok := envelope["invoices"]; ok {
			if !bytes.Equal(bytes.TrimSpace(list), []byte("null")) {
				if err := json.Unmarshal(list, &raws); err != nil {
					return nil, fmt.Errorf("unmarshaling invoices field: %w", err)
				}
			}
		} else {
			var raw rawInvoice
			if err := json.Unmarshal(body, &raw); err != nil {
				return nil, fmt.Errorf("unmarshaling invoice: %w", err)
			}
			raws = append(raws, raw)
		}
	}

	invoices := make([]Invoice, 0, len(raws))
	for _, raw := range raws {
		if raw.empty() {
			continue
		}
		invoices = append(invoices, raw.invoice())
	}
	return invoices, nil
}

// extractJSON strips markdown fences and any prose around the outermost
// JSON object or array
func extractJSON(response string) ([]byte, error) {
	s := strings.TrimSpace(response)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return nil, fmt.Errorf("no JSON found in response")
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end < start {
		return nil, fmt.Errorf("invalid JSON in response")
	}
	return []byte(s[start : end+1]), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
	"2/1/2006",
}

// normalizeDate converts recognised dates to YYYY-MM-DD. Day-first layouts
// are preferred over month-first. Unrecognised values are kept as printed.
func normalizeDate(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, value); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return value
}

// parseAmount reads amounts printed as text such as "$1,234.56", "1.234,56"
// or "12,50". Plain numbers, exponents included, are read as is.
func parseAmount(s string) (float64, bool) {
	if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	} else if errors.Is(err, strconv.ErrRange) {
		return 0, false
	}

	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" {
		return 0, false
	}

	lastComma := strings.LastIndex(clean, ",")
	lastDot := strings.LastIndex(clean, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(clean, ",") == 1 && len(clean)-lastComma-1 != 3 {
			clean = strings.Replace(clean, ",", ".", 1)
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case strings.Count(clean, ".") > 1:
		clean = strings.ReplaceAll(clean, ".", "")
	}

	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
