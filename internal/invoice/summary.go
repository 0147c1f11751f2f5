package invoice

import (
	"math"
	"strconv"
	"strings"

	"github.com/zombor/invoice-batch/internal/extraction"
)

// UnknownVendor groups invoices without a vendor name
const UnknownVendor = "Unknown"

// VendorSummary totals the invoices of one vendor
type VendorSummary struct {
	Vendor string `json:"vendor"`
	Count  int    `json:"count"`
	Total  int64  `json:"total"` // Total in cents
}

// Summary is the per-vendor report over a set of invoices. Vendors are in
// first-seen order.
type Summary struct {
	Vendors    []VendorSummary `json:"vendors"`
	GrandTotal int64           `json:"grand_total"` // Grand total in cents
}

// Vendor looks up the summary of one vendor key
func (s Summary) Vendor(key string) (VendorSummary, bool) {
	for _, v := range s.Vendors {
		if v.Vendor == key {
			return v, true
		}
	}
	return VendorSummary{}, false
}

// Count returns the number of invoices in the summary
func (s Summary) Count() int {
	var n int
	for _, v := range s.Vendors {
		n += v.Count
	}
	return n
}

// VendorKey returns the grouping key for a vendor name
func VendorKey(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return UnknownVendor
	}
	return name
}

// Summarize groups records by vendor. It keeps no state: the report is
// recomputed from the records on every call.
func Summarize(records []extraction.Invoice) Summary {
	summary := Summary{Vendors: []VendorSummary{}}
	index := make(map[string]int)

	for _, record := range records {
		key := VendorKey(record.VendorName)
		cents := toCents(record.TotalAmount)

		i, ok := index[key]
		if !ok {
			i = len(summary.Vendors)
			index[key] = i
			summary.Vendors = append(summary.Vendors, VendorSummary{Vendor: key})
		}
		summary.Vendors[i].Count++
		summary.Vendors[i].Total += cents
		summary.GrandTotal += cents
	}

	return summary
}

// toCents converts an amount in currency units to cents, treating values
// that are not finite or do not fit in int64 cents as zero
func toCents(amount float64) int64 {
	cents := math.Round(amount * 100)
	if math.IsNaN(cents) || math.Abs(cents) >= math.MaxInt64 {
		return 0
	}
	return int64(cents)
}

// FormatCents renders cents as a decimal amount, e.g. 15000 -> "150.00"
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	units := strconv.FormatInt(cents/100, 10)
	frac := strconv.FormatInt(cents%100, 10)
	if len(frac) < 2 {
		frac = "0" + frac
	}
	return sign + units + "." + frac
}
