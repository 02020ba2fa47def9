package expense

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// maxUploadSize covers high-resolution phone photos
	maxUploadSize = int64(50 << 20)

	defaultPageLimit = 50
	maxPageLimit     = 500
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// writeError writes an error response with CORS headers set
func writeError(w http.ResponseWriter, status int, code, message string) {
	setCORSHeaders(w)
	_ = writeJSON(w, status, errorResponse{Code: code, Error: message})
}

// statusFor maps an error code to an HTTP status
func statusFor(code ErrorCode) int {
	switch code {
	case CodeNoTextFound, CodeNoAmountFound, CodeInvalidAmount, CodeMissingCurrency:
		return http.StatusUnprocessableEntity
	case CodeMalformedInput:
		return http.StatusBadRequest
	case CodeNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeStoreUnavailable, CodeScannerUnavailable:
		return http.StatusServiceUnavailable
	case CodeCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports a query error without leaking its text
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := codeFor(err)
	status := statusFor(code)
	if status >= 500 {
		s.logger.Error("Request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeError(w, status, string(code), messageFor(code))
}

func (s *Server) writeOutcome(w http.ResponseWriter, outcome Outcome) {
	status := http.StatusCreated
	switch outcome.State {
	case StageAwaitingInput:
		status = http.StatusAccepted
	case StageFailed:
		status = statusFor(outcome.Failure.Code)
	}
	if err := writeJSON(w, status, outcome); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitEntry accepts a JSON text message or a multipart receipt upload
func (s *Server) handleSubmitEntry(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var in RawInput
	switch mediaType {
	case "multipart/form-data":
		upload, ok := s.readUpload(w, r)
		if !ok {
			return
		}
		in = upload
	default:
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, string(CodeMalformedInput), "Invalid request body")
			return
		}
		in = TextInput(req.Text)
	}

	s.writeOutcome(w, s.service.SubmitEntry(r.Context(), userID, in))
}

// readUpload reads the "file" field of a multipart form
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (RawInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.logger.Warn("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeError(w, http.StatusBadRequest, string(CodeMalformedInput), errorMsg)
		return RawInput{}, false
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, http.StatusBadRequest, string(CodeMalformedInput), errorMsg)
		return RawInput{}, false
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		s.logger.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, http.StatusInternalServerError, string(CodeInternal), "Error reading file. Please try again.")
		return RawInput{}, false
	}

	return ImageInput(data, uploadContentType(header.Header.Get("Content-Type"), header.Filename), header.Filename), true
}

// uploadContentType falls back to the file extension when the part has no type
func uploadContentType(contentType, filename string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleProvideAmount resumes a paused entry
func (s *Server) handleProvideAmount(w http.ResponseWriter, r *http.Request) {
	var reply AmountReply
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&reply); err != nil {
		writeError(w, http.StatusBadRequest, string(CodeMalformedInput), "Invalid request body")
		return
	}

	outcome := s.service.ProvideAmount(r.Context(), r.PathValue("user"), r.PathValue("session"), reply)
	s.writeOutcome(w, outcome)
}

// handleListTransactions returns the user's transactions, newest first
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	filter, page, err := s.parseListQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(CodeMalformedInput), err.Error())
		return
	}

	transactions, err := s.service.ListTransactions(r.Context(), r.PathValue("user"), filter, page)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, transactions); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

func (s *Server) parseListQuery(r *http.Request) (Filter, Page, error) {
	q := r.URL.Query()
	var filter Filter

	if c := q.Get("category"); c != "" {
		category, ok := ParseCategory(c)
		if !ok {
			return filter, Page{}, fmt.Errorf("unknown category %q", c)
		}
		filter.Category = category
	}
	filter.Keyword = strings.TrimSpace(q.Get("keyword"))

	dateRange, err := s.parseRange(r)
	if err != nil {
		return filter, Page{}, err
	}
	filter.From, filter.To = dateRange.From, dateRange.To

	page := Page{Limit: defaultPageLimit}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return filter, page, fmt.Errorf("invalid limit %q", v)
		}
		page.Limit = min(n, maxPageLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, page, fmt.Errorf("invalid offset %q", v)
		}
		page.Offset = n
	}
	return filter, page, nil
}

// parseRange reads either timeframe or from/to from the query
func (s *Server) parseRange(r *http.Request) (DateRange, error) {
	q := r.URL.Query()
	if tf := q.Get("timeframe"); tf != "" {
		timeframe, err := ParseTimeframe(tf)
		if err != nil {
			return DateRange{}, err
		}
		return s.service.TimeframeRange(timeframe), nil
	}

	var dr DateRange
	var err error
	if v := q.Get("from"); v != "" {
		if dr.From, err = parseTime(v, false); err != nil {
			return dr, fmt.Errorf("invalid from %q", v)
		}
	}
	if v := q.Get("to"); v != "" {
		if dr.To, err = parseTime(v, true); err != nil {
			return dr, fmt.Errorf("invalid to %q", v)
		}
	}
	return dr, nil
}

// parseTime accepts RFC 3339 or a plain date. A plain end date includes the whole day.
func parseTime(v string, end bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if end {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

// handleGetTransaction returns a single transaction
func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.GetTransaction(r.Context(), r.PathValue("user"), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, t); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

// handleGetTransactionImage returns the receipt image for a transaction
func (s *Server) handleGetTransactionImage(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetTransactionImage(r.Context(), r.PathValue("user"), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleDeleteTransaction deletes a transaction
func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTransaction(r.Context(), r.PathValue("user"), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAddKeywords tags a transaction
func (s *Server) handleAddKeywords(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keywords []string `json:"keywords"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(CodeMalformedInput), "Invalid request body")
		return
	}

	t, err := s.service.AddKeywords(r.Context(), r.PathValue("user"), r.PathValue("id"), req.Keywords)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, t); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

type categoryTotal struct {
	Category Category        `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

type summaryResponse struct {
	From       *time.Time      `json:"from,omitempty"`
	To         *time.Time      `json:"to,omitempty"`
	Categories []categoryTotal `json:"categories"`
	Total      decimal.Decimal `json:"total"`
}

// handleSummary returns spending per category, in category order
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	dr, err := s.parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(CodeMalformedInput), err.Error())
		return
	}

	totals, err := s.service.GetCategorySummary(r.Context(), r.PathValue("user"), dr)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := summaryResponse{Categories: make([]categoryTotal, 0, len(totals)), Total: decimal.Zero}
	if !dr.From.IsZero() {
		resp.From = &dr.From
	}
	if !dr.To.IsZero() {
		resp.To = &dr.To
	}
	for _, c := range Categories {
		amount, ok := totals[c]
		if !ok {
			continue
		}
		resp.Categories = append(resp.Categories, categoryTotal{Category: c, Amount: amount})
		resp.Total = resp.Total.Add(amount)
	}

	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}

// handleRecap answers a free-text spending question
func (s *Server) handleRecap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(CodeMalformedInput), "Invalid request body")
		return
	}

	recap, err := s.service.Recap(r.Context(), r.PathValue("user"), req.Query)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := writeJSON(w, http.StatusOK, recap); err != nil {
		s.logger.Error("Error encoding response", "error", err)
	}
}
