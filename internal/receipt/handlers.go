package receipt

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/cashback-tracker/internal/analytics"
	"github.com/zombor/cashback-tracker/internal/cashback"
	"github.com/zombor/cashback-tracker/internal/ledger"
	"github.com/zombor/cashback-tracker/internal/normalize"
	"github.com/zombor/cashback-tracker/internal/scanning"
)

// maxFormSize bounds multipart uploads; high-resolution phone photos are large
const maxFormSize = int64(50 << 20)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError writes a JSON error body with CORS headers set
func writeError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scanning.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrReceiptImmutable),
		errors.Is(err, ledger.ErrOfferExists),
		errors.Is(err, ledger.ErrAliasTaken):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, cashback.ErrInvalidOffer),
		errors.Is(err, analytics.ErrInvalidPeriod),
		errors.Is(err, normalize.ErrMissingRequiredField),
		errors.Is(err, scanning.ErrExtractionFailed):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail logs unexpected errors and answers with the mapped status
func fail(w http.ResponseWriter, msg string, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error(msg, "error", err)
		writeError(w, "Internal server error", code)
		return
	}
	writeError(w, err.Error(), code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetUser returns a registered user
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.service.GetUser(r.PathValue("user"))
	if err != nil {
		fail(w, "Error getting user", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleUpdateSettings changes a user's preferences
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	user, err := s.service.UpdateSettings(r.PathValue("user"), settings)
	if err != nil {
		fail(w, "Error updating settings", err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleDeactivateUser handles a user leaving the chat
func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Deactivate(r.PathValue("user")); err != nil {
		fail(w, "Error deactivating user", err)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleListReceipts returns a user's receipts
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.PathValue("user"))
	if err != nil {
		fail(w, "Error listing receipts", err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

// handleUploadReceipt handles receipt upload
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxFormSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		if err.Error() == "http: request body too large" {
			errorMsg = "File is too large. Please compress or resize your image."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		errorMsg := "No file provided"
		if errors.Is(err, http.ErrMissingFile) {
			errorMsg = "No file was selected. Please choose a file to upload."
		}
		writeError(w, errorMsg, http.StatusBadRequest)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
		return
	}

	var receivedAt time.Time
	if v := r.FormValue("received_at"); v != "" {
		if receivedAt, err = time.Parse(time.RFC3339, v); err != nil {
			writeError(w, "received_at must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
	}

	contentType := detectContentType(header.Header.Get("Content-Type"), header.Filename)

	receipt, err := s.service.Submit(r.Context(), r.PathValue("user"), header.Filename, data, contentType, receivedAt)
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
		fail(w, "Error processing receipt", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

// detectContentType falls back to the file extension when the part has no type
func detectContentType(contentType, filename string) string {
	if contentType == "" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.GetReceipt(r.PathValue("id"))
	if err != nil {
		fail(w, "Error getting receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleGetReceiptFile returns the image of a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.service.GetReceiptFile(r.PathValue("id"))
	if err != nil {
		writeError(w, "File not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// handleListEntries returns the cashback entries of a receipt
func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListEntries(r.PathValue("id"))
	if err != nil {
		fail(w, "Error listing entries", err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleReprocess runs extraction again for a receipt
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.service.Reprocess(r.Context(), r.PathValue("id"))
	if receipt != nil {
		if err != nil {
			slog.Warn("Reprocessed receipt not parsed", "receipt_id", receipt.ID, "error", err)
		}
		writeJSON(w, http.StatusOK, receipt)
		return
	}
	fail(w, "Error reprocessing receipt", err)
}

// handleConfirm resolves a receipt in review
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var c Correction
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	receipt, err := s.service.Confirm(r.Context(), r.PathValue("id"), c)
	if err != nil {
		fail(w, "Error confirming receipt", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleTransitionEntry moves the entry of a receipt and offer between statuses
func (s *Server) handleTransitionEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From ledger.EntryStatus `json:"from"`
		To   ledger.EntryStatus `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	id := ledger.EntryID(r.PathValue("id"), r.PathValue("offer"))
	entry, err := s.service.TransitionEntry(id, req.From, req.To)
	if err != nil {
		fail(w, "Error transitioning entry", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleListOffers returns all offers
func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := s.service.ListOffers()
	if err != nil {
		fail(w, "Error listing offers", err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

// handleBestOffers ranks the active offers for a planned purchase
func (s *Server) handleBestOffers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := BestOffersQuery{
		UserID:     query.Get("user"),
		MerchantID: query.Get("merchant"),
		Category:   query.Get("category"),
		Currency:   query.Get("currency"),
	}
	if amount := query.Get("amount"); amount != "" {
		spend, err := decimal.NewFromString(amount)
		if err != nil {
			writeError(w, "Invalid amount", http.StatusBadRequest)
			return
		}
		q.Spend = spend
	}
	ranked, err := s.service.BestOffers(q)
	if err != nil {
		fail(w, "Error ranking offers", err)
		return
	}
	writeJSON(w, http.StatusOK, ranked)
}

// handleCreateOffer stores a new offer
func (s *Server) handleCreateOffer(w http.ResponseWriter, r *http.Request) {
	var offer ledger.Offer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	created, err := s.service.CreateOffer(&offer)
	if err != nil {
		fail(w, "Error creating offer", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleRevokeOffer ends an offer now
func (s *Server) handleRevokeOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := s.service.RevokeOffer(r.PathValue("id"))
	if err != nil {
		fail(w, "Error revoking offer", err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// handleListMerchants returns all merchants
func (s *Server) handleListMerchants(w http.ResponseWriter, r *http.Request) {
	merchants, err := s.service.ListMerchants()
	if err != nil {
		fail(w, "Error listing merchants", err)
		return
	}
	writeJSON(w, http.StatusOK, merchants)
}

// handleCreateMerchant stores a new merchant
func (s *Server) handleCreateMerchant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string   `json:"name"`
		Category string   `json:"category"`
		Aliases  []string `json:"aliases"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	merchant, err := s.service.CreateMerchant(req.Name, req.Category, req.Aliases)
	if err != nil {
		fail(w, "Error creating merchant", err)
		return
	}
	writeJSON(w, http.StatusCreated, merchant)
}

// handleAddAlias adds a printed name to a merchant
func (s *Server) handleAddAlias(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	merchant, err := s.service.AddMerchantAlias(r.PathValue("id"), req.Alias)
	if err != nil {
		fail(w, "Error adding alias", err)
		return
	}
	writeJSON(w, http.StatusOK, merchant)
}

// analyticsQuery reads ?from=&to=&projected= for the user in the path. Dates are RFC 3339
// timestamps or plain YYYY-MM-DD days in UTC.
func analyticsQuery(r *http.Request) (analytics.Query, error) {
	q := analytics.Query{UserID: r.PathValue("user")}
	var err error
	if q.From, err = parseTime(r.URL.Query().Get("from")); err != nil {
		return q, err
	}
	if q.To, err = parseTime(r.URL.Query().Get("to")); err != nil {
		return q, err
	}
	if v := r.URL.Query().Get("projected"); v != "" {
		if q.IncludeProjected, err = strconv.ParseBool(v); err != nil {
			return q, errors.Join(ErrInvalidInput, err)
		}
	}
	return q, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, errors.Join(ErrInvalidInput, err)
	}
	return t, nil
}

// handleSummary returns the per-currency totals of a period
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	q, err := analyticsQuery(r)
	if err != nil {
		fail(w, "Invalid query", err)
		return
	}
	totals, err := s.analytics.Totals(q)
	if err != nil {
		fail(w, "Error computing totals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": q.UserID, "projected": q.IncludeProjected, "totals": totals})
}

// handleByMerchant returns totals grouped by merchant
func (s *Server) handleByMerchant(w http.ResponseWriter, r *http.Request) {
	q, err := analyticsQuery(r)
	if err != nil {
		fail(w, "Invalid query", err)
		return
	}
	groups, err := s.analytics.ByMerchant(q)
	if err != nil {
		fail(w, "Error grouping by merchant", err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// handleByCategory returns totals grouped by category
func (s *Server) handleByCategory(w http.ResponseWriter, r *http.Request) {
	q, err := analyticsQuery(r)
	if err != nil {
		fail(w, "Invalid query", err)
		return
	}
	groups, err := s.analytics.ByCategory(q)
	if err != nil {
		fail(w, "Error grouping by category", err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

// handleTrend returns ?n= buckets of ?period= ending at ?to=
func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	q, err := analyticsQuery(r)
	if err != nil {
		fail(w, "Invalid query", err)
		return
	}
	period := analytics.Month
	if v := r.URL.Query().Get("period"); v != "" {
		period = analytics.Period(v)
	}
	n := 6
	if v := r.URL.Query().Get("n"); v != "" {
		if n, err = strconv.Atoi(v); err != nil || n < 1 || n > 366 {
			writeError(w, "n must be between 1 and 366", http.StatusBadRequest)
			return
		}
	}
	buckets, err := s.analytics.Trend(q, period, n)
	if err != nil {
		fail(w, "Error computing trend", err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

// handleMissed returns expired cashback and void receipts of a period
func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	q, err := analyticsQuery(r)
	if err != nil {
		fail(w, "Invalid query", err)
		return
	}
	missed, err := s.analytics.Missed(q)
	if err != nil {
		fail(w, "Error computing missed cashback", err)
		return
	}
	writeJSON(w, http.StatusOK, missed)
}
