package extraction

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// maxPDFPages bounds how many pages of a PDF are sent in one request
const maxPDFPages = 20

// invoiceExtractPrompt is the shared prompt used by all LLM providers
const invoiceExtractPrompt = `You are analyzing one document that may contain one or more invoices or receipts. A multi-page document can hold several distinct invoices; pages that continue the same invoice belong to a single entry.

For every distinct invoice extract:

1. **vendorName**: the business issuing the invoice, usually the largest text in the header.
2. **invoiceNumber**: the invoice or receipt number.
3. **date**: the issue date in ISO 8601 format (YYYY-MM-DD).
4. **time**: the issue time (HH:MM) if printed.
5. **totalAmount**: the final total to pay, as a number (e.g. 42.75).
6. **currency**: the ISO currency code (ARS, USD, EUR, ...).
7. **items**: every purchased line with description, quantity, unitPrice and total.

Return ONLY valid JSON in this exact format:
{
  "invoices": [
    {
      "invoiceNumber": "0001-00001234",
      "date": "YYYY-MM-DD",
      "time": "HH:MM",
      "vendorName": "Business Name",
      "totalAmount": 0.00,
      "currency": "USD",
      "items": [
        {"description": "Product", "quantity": 1, "unitPrice": 0.00, "total": 0.00}
      ]
    }
  ]
}

Important:
- Amounts must be numbers (not strings)
- If you cannot find a field, use null for that field
- If the document contains no invoice, return {"invoices": []}
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// pdfToImages renders the pages of a PDF as PNG images
func pdfToImages(pdfData []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	pages := doc.NumPage()
	if pages == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	if pages > maxPDFPages {
		pages = maxPDFPages
	}

	images := make([][]byte, 0, pages)
	for i := 0; i < pages; i++ {
		img, err := doc.Image(i)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i+1, err)
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encoding PNG for page %d: %w", i+1, err)
		}
		images = append(images, buf.Bytes())
	}

	return images, nil
}

// imageToPNG converts any image format to PNG
func imageToPNG(imageData []byte, mimeType string) ([]byte, error) {
	var img image.Image
	var err error

	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			if strings.Contains(err.Error(), "unknown format") || strings.Contains(err.Error(), "unsupported") {
				return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
			}
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}

	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// prepareImages normalizes the MIME type and returns the document as one
// PNG image per page
func prepareImages(data []byte, contentType string) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	switch {
	case mimeType == "application/pdf":
		pages, err := pdfToImages(data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to images: %w", err)
		}
		return pages, nil
	case mimeType != "image/png" || isHEICFormat(data):
		pngData, err := imageToPNG(data, mimeType)
		if err != nil {
			return nil, fmt.Errorf("converting image to PNG: %w", err)
		}
		return [][]byte{pngData}, nil
	}

	return [][]byte{data}, nil
}
