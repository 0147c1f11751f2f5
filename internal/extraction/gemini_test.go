package extraction

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

var _ = Describe("classifyGeminiError", func() {
	It("returns a RateLimitError with the retry delay for quota errors", func() {
		st, err := status.New(codes.ResourceExhausted, "quota exceeded").WithDetails(&errdetails.RetryInfo{
			RetryDelay: durationpb.New(12 * time.Second),
		})
		Expect(err).NotTo(HaveOccurred())

		classified := classifyGeminiError(st.Err())

		var rle *RateLimitError
		Expect(errors.As(classified, &rle)).To(BeTrue())
		Expect(rle.RetryAfter).To(Equal(12 * time.Second))
		Expect(classified.Error()).To(ContainSubstring("quota exceeded"))
	})

	It("returns a RateLimitError without delay when no hint was sent", func() {
		classified := classifyGeminiError(status.Error(codes.ResourceExhausted, "quota exceeded"))

		var rle *RateLimitError
		Expect(errors.As(classified, &rle)).To(BeTrue())
		Expect(rle.RetryAfter).To(BeZero())
	})

	It("wraps other errors unchanged", func() {
		cause := status.Error(codes.InvalidArgument, "bad image")
		classified := classifyGeminiError(cause)

		var rle *RateLimitError
		Expect(errors.As(classified, &rle)).To(BeFalse())
		Expect(errors.Is(classified, cause)).To(BeTrue())
	})

	It("returns a RateLimitError for HTTP 429 with the Retry-After interval", func() {
		classified := classifyGeminiError(&googleapi.Error{
			Code:   http.StatusTooManyRequests,
			Header: http.Header{"Retry-After": []string{"7"}},
		})

		var rle *RateLimitError
		Expect(errors.As(classified, &rle)).To(BeTrue())
		Expect(rle.RetryAfter).To(Equal(7 * time.Second))
	})

	It("wraps other HTTP errors unchanged", func() {
		cause := &googleapi.Error{Code: http.StatusBadRequest, Message: "bad image"}
		classified := classifyGeminiError(cause)

		var rle *RateLimitError
		Expect(errors.As(classified, &rle)).To(BeFalse())
		Expect(errors.Is(classified, cause)).To(BeTrue())
	})

	It("wraps plain errors", func() {
		classified := classifyGeminiError(errors.New("network down"))
		Expect(classified).To(MatchError(ContainSubstring("network down")))
	})
})

var _ = Describe("NewGemini", func() {
	It("requires an API key", func() {
		_, err := NewGemini("", "")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Gemini", func() {
	var (
		server  *ghttp.Server
		gemini  *Gemini
		handler http.HandlerFunc
		result  []Invoice
		err     error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		gemini = nil
	})

	AfterEach(func() {
		if gemini != nil {
			gemini.Close()
		}
		server.Close()
	})

	JustBeforeEach(func() {
		server.RouteToHandler(http.MethodPost, regexp.MustCompile(`:generateContent`), handler)

		var newErr error
		gemini, newErr = NewGemini("test-key", "", option.WithEndpoint(server.URL()))
		Expect(newErr).NotTo(HaveOccurred())

		result, err = gemini.Extract(context.Background(), []byte("page"), "image/png")
	})

	When("the model answers", func() {
		BeforeEach(func() {
			handler = ghttp.RespondWithJSONEncoded(http.StatusOK, map[string]interface{}{
				"candidates": []interface{}{map[string]interface{}{
					"content": map[string]interface{}{
						"role": "model",
						"parts": []interface{}{map[string]string{
							"text": `{"invoices":[{"vendorName":"Acme","totalAmount":12.5}]}`,
						}},
					},
				}},
			})
		})

		It("returns the parsed invoices", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(HaveLen(1))
			Expect(result[0].VendorName).To(Equal("Acme"))
			Expect(result[0].TotalAmount).To(Equal(12.5))
			Expect(server.ReceivedRequests()).To(HaveLen(1))
		})
	})

	When("the quota is exhausted", func() {
		BeforeEach(func() {
			handler = ghttp.RespondWithJSONEncoded(http.StatusTooManyRequests, map[string]interface{}{
				"error": map[string]interface{}{
					"code":    429,
					"message": "Resource has been exhausted (e.g. check quota).",
					"status":  "RESOURCE_EXHAUSTED",
					"details": []interface{}{map[string]string{
						"@type":      "type.googleapis.com/google.rpc.RetryInfo",
						"retryDelay": "12s",
					}},
				},
			})
		})

		It("returns a RateLimitError with the retry delay", func() {
			var rle *RateLimitError
			Expect(errors.As(err, &rle)).To(BeTrue())
			Expect(rle.RetryAfter).To(Equal(12 * time.Second))
		})
	})

	When("the quota is exhausted without a retry detail", func() {
		BeforeEach(func() {
			handler = ghttp.RespondWithJSONEncoded(http.StatusTooManyRequests, map[string]interface{}{
				"error": map[string]interface{}{
					"code":    429,
					"message": "Resource has been exhausted (e.g. check quota).",
					"status":  "RESOURCE_EXHAUSTED",
				},
			}, http.Header{"Retry-After": []string{"5"}})
		})

		It("falls back to the Retry-After header", func() {
			var rle *RateLimitError
			Expect(errors.As(err, &rle)).To(BeTrue())
			Expect(rle.RetryAfter).To(Equal(5 * time.Second))
		})
	})

	When("the request is rejected", func() {
		BeforeEach(func() {
			handler = ghttp.RespondWithJSONEncoded(http.StatusBadRequest, map[string]interface{}{
				"error": map[string]interface{}{
					"code":    400,
					"message": "Invalid image",
					"status":  "INVALID_ARGUMENT",
				},
			})
		})

		It("returns a plain error", func() {
			Expect(err).To(HaveOccurred())
			var rle *RateLimitError
			Expect(errors.As(err, &rle)).To(BeFalse())
		})
	})
})
