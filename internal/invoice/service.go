package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-batch/internal/extraction"
)

// ErrRunInProgress is returned when a run is requested while another one is active
var ErrRunInProgress = errors.New("a run is already in progress")

// Export kinds stored for each run
const (
	ExportSummary  = "summary"
	ExportInvoices = "invoices"
)

// IDGenerator generates unique IDs for runs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service owns the upload queue and the invoices extracted during the
// session. The run archive and export storage are optional.
type Service struct {
	queue       *Queue
	runner      *Runner
	db          DB
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource

	runMu sync.Mutex // held for the duration of a run

	mu         sync.Mutex
	records    []extraction.Invoice
	lastFailed failedRun
	progress   Progress
	cancel     context.CancelFunc
}

// failedRun holds the documents of the latest run that are still waiting
// for a retry
type failedRun struct {
	runID string
	docs  []Document
}

// NewService creates a new Service with default ID generator and time source.
// db and storage may be nil.
func NewService(runner *Runner, db DB, storage Storage) *Service {
	return NewServiceWithDeps(runner, db, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(runner *Runner, db DB, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		queue:       NewQueue(),
		runner:      runner,
		db:          db,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
		records:     []extraction.Invoice{},
	}
}

// Enqueue adds documents to the queue, skipping names already queued. It
// returns the updated queue and the documents that were added.
func (s *Service) Enqueue(docs ...Document) (queued, added []Document) {
	return s.queue.Enqueue(docs...)
}

// RemoveDocument removes the queued document at index
func (s *Service) RemoveDocument(index int) ([]Document, error) {
	docs, err := s.queue.Remove(index)
	if err != nil {
		return nil, fmt.Errorf("removing document: %w", err)
	}
	return docs, nil
}

// ListDocuments returns the queued documents
func (s *Service) ListDocuments() []Document {
	return s.queue.List()
}

// Process drains the queue and runs it. Documents a cancelled run did not
// reach go back to the queue. Documents that failed are kept for RetryFailed
// until the next run replaces them.
func (s *Service) Process(ctx context.Context, progress ProgressFunc) (*Run, error) {
	if !s.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	id := s.idGenerator.Generate()
	logger := slog.With("run_id", id)

	// The drained slice is the runner's working set; keep our own copy for retries
	docs := s.queue.Drain()
	retained := make([]Document, len(docs))
	copy(retained, docs)

	s.mu.Lock()
	s.progress = Progress{Running: true, RunID: id, Total: len(docs)}
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.progress = Progress{}
		s.cancel = nil
		s.mu.Unlock()
	}()

	logger.Info("Starting run", "documents", len(docs))
	started := s.timeSource.Now()
	result := s.runner.Run(runCtx, docs, func(index, total int, name string) {
		s.mu.Lock()
		s.progress.Index = index
		s.progress.Total = total
		s.progress.Document = name
		s.mu.Unlock()
		logger.Info("Extracting document", "index", index+1, "total", total, "document", name)
		if progress != nil {
			progress(index, total, name)
		}
	})
	finished := s.timeSource.Now()

	if !result.Completed {
		s.queue.Enqueue(retained[result.Attempted:]...)
	}

	run := &Run{
		ID:         id,
		Documents:  make([]string, 0, len(retained)),
		Result:     *result,
		Summary:    Summarize(result.Records),
		StartedAt:  started,
		FinishedAt: finished,
	}
	for _, doc := range retained {
		run.Documents = append(run.Documents, doc.Name)
	}

	s.mu.Lock()
	s.records = append(s.records, result.Records...)
	s.lastFailed = failedRun{runID: id, docs: failedDocuments(retained, result.Failures)}
	s.mu.Unlock()

	s.saveExports(logger, run)

	if s.db != nil {
		if err := s.db.SaveRun(run); err != nil {
			logger.Error("Failed to archive run", "error", err)
		}
	}

	logger.Info("Run finished",
		"completed", result.Completed,
		"attempted", result.Attempted,
		"records", len(result.Records),
		"failures", len(result.Failures),
		"duration", finished.Sub(started),
	)
	return run, nil
}

func failedDocuments(docs []Document, failures []Failure) []Document {
	names := make(map[string]bool, len(failures))
	for _, f := range failures {
		names[f.Document] = true
	}
	out := make([]Document, 0, len(failures))
	for _, doc := range docs {
		if names[doc.Name] {
			out = append(out, doc)
		}
	}
	return out
}

// saveExports stores the CSV exports of a run. Failures are logged only:
// the run result stays valid without them.
func (s *Service) saveExports(logger *slog.Logger, run *Run) {
	if s.storage == nil {
		return
	}

	exports := map[string]func() ([]byte, error){
		ExportSummary:  func() ([]byte, error) { return SummaryCSV(run.Summary) },
		ExportInvoices: func() ([]byte, error) { return ItemsCSV(run.Result.Records) },
	}
	run.Exports = make(map[string]string, len(exports))
	for kind, render := range exports {
		data, err := render()
		if err != nil {
			logger.Error("Failed to render export", "kind", kind, "error", err)
			continue
		}
		name, err := s.storage.Save(fmt.Sprintf("%s_%s.csv", run.ID, kind), data)
		if err != nil {
			logger.Error("Failed to save export", "kind", kind, "error", err)
			continue
		}
		run.Exports[kind] = name
	}
}

// Cancel stops the active run before its next submission. It reports
// whether a run was active.
func (s *Service) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// Progress reports the state of the active run
func (s *Service) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// RetryFailed puts the documents that failed in the latest run back on the
// queue and returns how many were queued. Documents whose name is already
// queued stay pending for a later retry.
func (s *Service) RetryFailed(runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastFailed.runID != runID || len(s.lastFailed.docs) == 0 {
		return 0, fmt.Errorf("%w: no failed documents for %s", ErrRunNotFound, runID)
	}

	_, added := s.queue.Enqueue(s.lastFailed.docs...)
	queued := make(map[string]bool, len(added))
	for _, doc := range added {
		queued[doc.Name] = true
	}
	pending := make([]Document, 0, len(s.lastFailed.docs)-len(added))
	for _, doc := range s.lastFailed.docs {
		if !queued[doc.Name] {
			pending = append(pending, doc)
		}
	}
	if len(pending) == 0 {
		s.lastFailed = failedRun{}
	} else {
		s.lastFailed.docs = pending
	}
	return len(added), nil
}

// Records returns every invoice extracted in this session
func (s *Service) Records() []extraction.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]extraction.Invoice, len(s.records))
	copy(out, s.records)
	return out
}

// ClearRecords forgets the invoices extracted in this session
func (s *Service) ClearRecords() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = []extraction.Invoice{}
}

// Summary recomputes the vendor report over the session's invoices
func (s *Service) Summary() Summary {
	return Summarize(s.Records())
}

// GetRun retrieves an archived run by ID
func (s *Service) GetRun(id string) (*Run, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// ListRuns returns the archived runs
func (s *Service) ListRuns() ([]*Run, error) {
	if s.db == nil {
		return []*Run{}, nil
	}
	runs, err := s.db.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// DeleteRun removes an archived run and its exports
func (s *Service) DeleteRun(id string) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}

	if s.storage != nil {
		for kind, name := range run.Exports {
			if err := s.storage.Delete(name); err != nil {
				// Log error but continue with database deletion
				slog.Warn("Failed to delete export", "run_id", id, "kind", kind, "error", err)
			}
		}
	}

	if err := s.db.DeleteRun(id); err != nil {
		return fmt.Errorf("deleting run from database: %w", err)
	}

	s.mu.Lock()
	if s.lastFailed.runID == id {
		s.lastFailed = failedRun{}
	}
	s.mu.Unlock()
	return nil
}

// GetRunExport returns a stored CSV export of a run
func (s *Service) GetRunExport(id, kind string) ([]byte, error) {
	run, err := s.GetRun(id)
	if err != nil {
		return nil, err
	}
	name, ok := run.Exports[kind]
	if !ok || s.storage == nil {
		return nil, fmt.Errorf("%w: no %s export for %s", ErrRunNotFound, kind, id)
	}
	data, err := s.storage.Get(name)
	if err != nil {
		return nil, fmt.Errorf("getting export: %w", err)
	}
	return data, nil
}
