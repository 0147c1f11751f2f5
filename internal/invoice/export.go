package invoice

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/zombor/invoice-batch/internal/extraction"
)

// WriteSummaryCSV writes one vendor,count,total row per vendor followed by a
// TOTAL row
func WriteSummaryCSV(w io.Writer, summary Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"vendor", "count", "total"}); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, v := range summary.Vendors {
		row := []string{v.Vendor, strconv.Itoa(v.Count), FormatCents(v.Total)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing vendor %s: %w", v.Vendor, err)
		}
	}
	if err := cw.Write([]string{"TOTAL", strconv.Itoa(summary.Count()), FormatCents(summary.GrandTotal)}); err != nil {
		return fmt.Errorf("writing total: %w", err)
	}
	cw.Flush()
	return cw.Error()
}

// WriteItemsCSV writes one row per line item. Invoices without line items
// get a single row carrying the invoice total.
func WriteItemsCSV(w io.Writer, records []extraction.Invoice) error {
	cw := csv.NewWriter(w)
	header := []string{"vendor", "invoice_number", "date", "currency", "description", "quantity", "unit_price", "total"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, record := range records {
		prefix := []string{VendorKey(record.VendorName), record.InvoiceNumber, record.Date, record.Currency}
		if len(record.Items) == 0 {
			row := append(prefix, "", "", "", formatAmount(record.TotalAmount))
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("writing invoice %s: %w", record.InvoiceNumber, err)
			}
			continue
		}
		for _, item := range record.Items {
			row := append(append([]string{}, prefix...),
				item.Description,
				formatOptional(item.Quantity),
				formatOptional(item.UnitPrice),
				formatAmount(item.Total),
			)
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("writing item of invoice %s: %w", record.InvoiceNumber, err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// SummaryCSV renders the summary export in memory
func SummaryCSV(summary Summary) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteSummaryCSV(&buf, summary); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ItemsCSV renders the line item export in memory
func ItemsCSV(records []extraction.Invoice) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteItemsCSV(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatAmount(v float64) string {
	return FormatCents(toCents(v))
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
