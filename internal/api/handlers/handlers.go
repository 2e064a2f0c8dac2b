// Package handlers exposes the ledger service over HTTP to the surrounding
// application. Handlers validate and decode at the boundary, then delegate;
// all consistency logic lives in the service and below.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-ledger/internal/api/middleware"
	"github.com/dvloznov/finance-ledger/internal/ledger"
	"github.com/dvloznov/finance-ledger/internal/service"
)

// LedgerHandler handles ledger endpoints.
type LedgerHandler struct {
	svc *service.Service
	log zerolog.Logger
}

// NewLedgerHandler creates a new ledger handler.
func NewLedgerHandler(svc *service.Service, log zerolog.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, log: log}
}

// Routes registers all ledger endpoints on mux.
func (h *LedgerHandler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /api/transactions", h.ListTransactions)
	mux.HandleFunc("POST /api/transactions", h.AddTransactions)
	mux.HandleFunc("PATCH /api/transactions/{id}", h.UpdateTransaction)
	mux.HandleFunc("DELETE /api/transactions/{id}", h.DeleteTransaction)
	mux.HandleFunc("POST /api/transactions/batch-delete", h.BatchDelete)
	mux.HandleFunc("POST /api/duplicates/detect", h.DetectDuplicates)
	mux.HandleFunc("GET /api/duplicates/existing", h.StoredDuplicates)
	mux.HandleFunc("GET /api/integrity/report", h.IntegrityReport)
	mux.HandleFunc("POST /api/integrity/cleanup", h.ManualCleanup)
}

// Health handles GET /healthz
func (h *LedgerHandler) Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListTransactions handles GET /api/transactions
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.svc.ListTransactions(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// AddTransactions handles POST /api/transactions. The body is either a single
// transaction input or {"transactions": [...]} for a batch.
func (h *LedgerHandler) AddTransactions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	payloads, err := decodePayloads(body)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	inputs := make([]ledger.TransactionInput, 0, len(payloads))
	for i, p := range payloads {
		if err := p.validate(); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, fmt.Sprintf("transaction %d: %v", i, err))
			return
		}
		inputs = append(inputs, p.input())
	}

	added, err := h.svc.AddTransactions(r.Context(), inputs)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to add transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to add transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"transactions": added,
		"count":        len(added),
	})
}

// UpdateTransaction handles PATCH /api/transactions/{id}
func (h *LedgerHandler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var upd service.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.svc.UpdateTransaction(r.Context(), id, upd)
	if err != nil {
		h.log.Error().Err(err).Str("transaction_id", id).Msg("Failed to update transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to update transaction")
		return
	}
	if updated == nil {
		middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, updated)
}

// DeleteTransaction handles DELETE /api/transactions/{id}
func (h *LedgerHandler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	deleted, err := h.svc.DeleteTransaction(r.Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("transaction_id", id).Msg("Failed to delete transaction")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to delete transaction")
		return
	}
	if !deleted {
		middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// BatchDelete handles POST /api/transactions/batch-delete
func (h *LedgerHandler) BatchDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "ids is required")
		return
	}

	count, err := h.svc.DeleteTransactions(r.Context(), req.IDs)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to delete transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to delete transactions")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]int{"deleted": count})
}

// DetectDuplicates handles POST /api/duplicates/detect
func (h *LedgerHandler) DetectDuplicates(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Candidates []transactionPayload `json:"candidates"`
		Config     *ledger.MatchConfig  `json:"config,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Malformed candidates are the caller's problem by contract; they are
	// dropped at this boundary so the core only sees well-formed records.
	candidates := make([]ledger.TransactionInput, 0, len(req.Candidates))
	skipped := 0
	for _, c := range req.Candidates {
		if c.validate() != nil {
			skipped++
			continue
		}
		candidates = append(candidates, c.input())
	}

	result, err := h.svc.DetectDuplicates(r.Context(), candidates, req.Config)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to detect duplicates")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to detect duplicates")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"duplicates":          result.Duplicates,
		"unique_transactions": result.Unique,
		"config":              result.Config,
		"skipped":             skipped,
	})
}

// StoredDuplicates handles GET /api/duplicates/existing
func (h *LedgerHandler) StoredDuplicates(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.svc.StoredDuplicates(r.Context(), nil)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to scan stored duplicates")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to scan stored duplicates")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pairs": pairs,
		"count": len(pairs),
	})
}

// IntegrityReport handles GET /api/integrity/report
func (h *LedgerHandler) IntegrityReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.DiagnoseLinkIntegrity(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to diagnose link integrity")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to diagnose link integrity")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, report)
}

// ManualCleanup handles POST /api/integrity/cleanup
func (h *LedgerHandler) ManualCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.ManualCleanup(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Manual cleanup failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Manual cleanup failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, result)
}

// transactionPayload is the wire form of a candidate record. Amount is a
// pointer so an absent field is distinguishable from a zero amount.
type transactionPayload struct {
	Date        civil.Date       `json:"date"`
	Amount      *decimal.Decimal `json:"amount"`
	Description string           `json:"description"`
	Account     string           `json:"account"`
	Category    string           `json:"category"`
	Subcategory string           `json:"subcategory,omitempty"`
	Type        ledger.Type      `json:"type,omitempty"`
}

func (p transactionPayload) validate() error {
	if !p.Date.IsValid() {
		return fmt.Errorf("date is required")
	}
	if p.Amount == nil {
		return fmt.Errorf("amount is required")
	}
	if p.Description == "" {
		return fmt.Errorf("description is required")
	}
	if p.Account == "" {
		return fmt.Errorf("account is required")
	}
	return nil
}

func (p transactionPayload) input() ledger.TransactionInput {
	in := ledger.TransactionInput{
		Date:        p.Date,
		Description: p.Description,
		Account:     p.Account,
		Category:    p.Category,
		Subcategory: p.Subcategory,
		Type:        p.Type,
	}
	if p.Amount != nil {
		in.Amount = *p.Amount
	}
	return in
}

func decodePayloads(body []byte) ([]transactionPayload, error) {
	var batch struct {
		Transactions []transactionPayload `json:"transactions"`
	}
	if err := json.Unmarshal(body, &batch); err == nil && len(batch.Transactions) > 0 {
		return batch.Transactions, nil
	}

	var single transactionPayload
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid request body")
	}
	return []transactionPayload{single}, nil
}
