package extraction

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Gemini implements the Extractor interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Extractor instance. Extra client options
// are applied after the API key.
func NewGemini(apiKey string, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// Extract sends every page of the document in a single request and returns
// the invoices found in it
func (g *Gemini) Extract(ctx context.Context, data []byte, contentType string) ([]Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	pages, err := prepareImages(data, contentType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects just the format suffix, and every page is PNG at this point
	parts := make([]genai.Part, 0, len(pages)+1)
	for _, page := range pages {
		parts = append(parts, genai.ImageData("png", page))
	}
	parts = append(parts, genai.Text(invoiceExtractPrompt))

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, classifyGeminiError(err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	invoices, err := parseInvoicesJSON(responseText.String())
	if err != nil {
		return nil, fmt.Errorf("parsing invoice data: %w", err)
	}

	return invoices, nil
}

// classifyGeminiError turns quota errors into a RateLimitError, carrying the
// retry delay when the service sent one. The client talks REST, so quota
// errors normally arrive as HTTP 429; gRPC statuses are handled as well.
func classifyGeminiError(err error) error {
	wrapped := fmt.Errorf("generating content: %w", err)

	var herr *googleapi.Error
	if errors.As(err, &herr) {
		if herr.Code != http.StatusTooManyRequests {
			return wrapped
		}
		rle := &RateLimitError{Err: wrapped, RetryAfter: retryInfoDelay(err)}
		if rle.RetryAfter == 0 {
			rle.RetryAfter = parseRetryAfter(herr.Header.Get("Retry-After"))
		}
		return rle
	}

	if status.Code(err) == codes.ResourceExhausted {
		return &RateLimitError{Err: wrapped, RetryAfter: retryInfoDelay(err)}
	}
	return wrapped
}

// retryInfoDelay reads the RetryInfo detail of an API error, or 0
func retryInfoDelay(err error) time.Duration {
	var ae *apierror.APIError
	if !errors.As(err, &ae) {
		var ok bool
		if ae, ok = apierror.FromError(err); !ok {
			return 0
		}
	}
	if info := ae.Details().RetryInfo; info != nil && info.GetRetryDelay() != nil {
		return info.GetRetryDelay().AsDuration()
	}
	return 0
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
