package invoice

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
)

// maxUploadSize bounds one upload request (several high resolution photos or PDFs)
const maxUploadSize = int64(100 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON {"error": ...} response
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeCSV sends data as a CSV download
func writeCSV(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.Write(data)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// detectContentType prefers the media type sent with the upload
func detectContentType(header *multipart.FileHeader, data []byte) string {
	contentType := strings.ToLower(strings.TrimSpace(header.Header.Get("Content-Type")))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	return ContentTypeFor(header.Filename, data)
}

func readUpload(header *multipart.FileHeader) (Document, error) {
	f, err := header.Open()
	if err != nil {
		return Document{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Document{}, err
	}

	return Document{
		Name:        header.Filename,
		ContentType: detectContentType(header, data),
		Data:        data,
	}, nil
}

// handleListDocuments returns the queued documents
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListDocuments())
}

// handleUploadDocuments queues every "file" part of a multipart upload
func (s *Server) handleUploadDocuments(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errorMsg = "Upload is too large. Maximum size is 100MB."
		}
		jsonError(w, errorMsg, http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		jsonError(w, "No file was selected. Please choose at least one file to upload.", http.StatusBadRequest)
		return
	}

	docs := make([]Document, 0, len(headers))
	for _, header := range headers {
		doc, err := readUpload(header)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			jsonError(w, "Error reading file "+header.Filename+". Please try again.", http.StatusInternalServerError)
			return
		}
		docs = append(docs, doc)
	}

	queued, added := s.service.Enqueue(docs...)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"added":     len(added),
		"documents": queued,
	})
}

// handleRemoveDocument removes a queued document by position
func (s *Server) handleRemoveDocument(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		corsError(w, "Document index must be a number", http.StatusBadRequest)
		return
	}

	docs, err := s.service.RemoveDocument(index)
	if err != nil {
		if errors.Is(err, ErrIndexOutOfRange) {
			corsError(w, "Document not found", http.StatusNotFound)
			return
		}
		corsError(w, "Error removing document", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, docs)
}

// handleStartRun drains the queue and processes it. The request blocks until
// the run finishes; a client disconnect cancels the run.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.Process(r.Context(), nil)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			jsonError(w, err.Error(), http.StatusConflict)
			return
		}
		slog.Error("Error processing run", "error", err)
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

// handleProgress reports the active run
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Progress())
}

// handleCancelRun cancels the active run
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if !s.service.Cancel() {
		corsError(w, "No run in progress", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleListRuns returns the archived runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListRuns()
	if err != nil {
		slog.Error("Error listing runs", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns one archived run
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.GetRun(r.PathValue("id"))
	if err != nil {
		corsError(w, "Run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleDeleteRun deletes an archived run and its exports
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRun(r.PathValue("id")); err != nil {
		if errors.Is(err, ErrRunNotFound) {
			corsError(w, "Run not found", http.StatusNotFound)
			return
		}
		corsError(w, "Error deleting run", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetryRun queues the documents that failed in a run again
func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	added, err := s.service.RetryFailed(r.PathValue("id"))
	if err != nil {
		corsError(w, "No failed documents for this run", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"added":     added,
		"documents": s.service.ListDocuments(),
	})
}

// handleGetRunExport returns a stored CSV export of a run
func (s *Server) handleGetRunExport(w http.ResponseWriter, r *http.Request) {
	id, kind := r.PathValue("id"), r.PathValue("kind")
	data, err := s.service.GetRunExport(id, kind)
	if err != nil {
		corsError(w, "Export not found", http.StatusNotFound)
		return
	}
	writeCSV(w, id+"_"+kind+".csv", data)
}

// handleListInvoices returns every invoice extracted in this session
func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Records())
}

// handleInvoicesCSV exports the session's line items
func (s *Server) handleInvoicesCSV(w http.ResponseWriter, r *http.Request) {
	s.csvResponse(w, "invoices.csv", func() ([]byte, error) {
		return ItemsCSV(s.service.Records())
	})
}

// handleClearInvoices forgets the session's invoices
func (s *Server) handleClearInvoices(w http.ResponseWriter, r *http.Request) {
	s.service.ClearRecords()
	w.WriteHeader(http.StatusNoContent)
}

// handleSummary returns the vendor report over the session's invoices
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Summary())
}

// handleSummaryCSV exports the vendor report
func (s *Server) handleSummaryCSV(w http.ResponseWriter, r *http.Request) {
	s.csvResponse(w, "summary.csv", func() ([]byte, error) {
		return SummaryCSV(s.service.Summary())
	})
}

func (s *Server) csvResponse(w http.ResponseWriter, filename string, render func() ([]byte, error)) {
	data, err := render()
	if err != nil {
		slog.Error("Error rendering export", "filename", filename, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeCSV(w, filename, data)
}
