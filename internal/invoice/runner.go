package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/invoice-batch/internal/extraction"
)

// DefaultDelay is the pause between two extraction calls. The extraction
// service tolerates a burst of one request and needs a cooldown after it.
const DefaultDelay = 4 * time.Second

// ErrConfiguration is returned when a Runner cannot be built
var ErrConfiguration = errors.New("invalid runner configuration")

// ProgressFunc is called before each submission with the zero-based index
// of the document, the number of documents in the run and its name
type ProgressFunc func(index, total int, name string)

// Pacer suspends a run between two extraction calls. Wait must return early
// with the context error when ctx is cancelled.
type Pacer interface {
	Wait(ctx context.Context, d time.Duration) error
}

// timerPacer waits on a real timer
type timerPacer struct{}

func (timerPacer) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Runner submits documents to an Extractor one at a time, in order
type Runner struct {
	extractor extraction.Extractor
	delay     time.Duration
	pacer     Pacer
	logger    *slog.Logger
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithPacer replaces the timer used between calls
func WithPacer(p Pacer) RunnerOption {
	return func(r *Runner) {
		r.pacer = p
	}
}

// WithLogger sets the logger used for per-document failures
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner creates a Runner that waits delay between two calls
func NewRunner(extractor extraction.Extractor, delay time.Duration, opts ...RunnerOption) (*Runner, error) {
	if extractor == nil {
		return nil, fmt.Errorf("%w: extractor is required", ErrConfiguration)
	}
	if delay < 0 {
		return nil, fmt.Errorf("%w: delay must not be negative, got %s", ErrConfiguration, delay)
	}

	r := &Runner{
		extractor: extractor,
		delay:     delay,
		pacer:     timerPacer{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pacer == nil {
		return nil, fmt.Errorf("%w: pacer is required", ErrConfiguration)
	}
	return r, nil
}

// Run extracts every document in order and never aborts on a document
// failure. Cancelling ctx stops the run before the next submission and the
// result is returned with Completed false; a call already in flight is left
// to finish.
func (r *Runner) Run(ctx context.Context, docs []Document, progress ProgressFunc) *RunResult {
	result := &RunResult{
		Records:  []extraction.Invoice{},
		Failures: []Failure{},
	}

	// In-flight calls are never aborted, so they get a context without cancellation
	callCtx := context.WithoutCancel(ctx)

	var retryAfter time.Duration
	for i, doc := range docs {
		if i > 0 {
			wait := r.delay
			if retryAfter > wait {
				wait = retryAfter
			}
			if err := r.pacer.Wait(ctx, wait); err != nil {
				r.logger.Info("Run cancelled", "attempted", result.Attempted, "total", len(docs))
				return result
			}
		}
		if ctx.Err() != nil {
			r.logger.Info("Run cancelled", "attempted", result.Attempted, "total", len(docs))
			return result
		}

		if progress != nil {
			progress(i, len(docs), doc.Name)
		}

		invoices, err := r.extractor.Extract(callCtx, doc.Data, doc.ContentType)
		result.Attempted++
		retryAfter = 0
		if err != nil {
			var rle *extraction.RateLimitError
			if errors.As(err, &rle) {
				retryAfter = rle.RetryAfter
			}
			r.logger.Warn("Failed to extract document",
				"document", doc.Name,
				"content_type", doc.ContentType,
				"file_size", doc.Size(),
				"error", err,
			)
			result.Failures = append(result.Failures, Failure{
				Document: doc.Name,
				Error:    err.Error(),
			})
			continue
		}

		result.Records = append(result.Records, invoices...)
	}

	result.Completed = true
	return result
}
