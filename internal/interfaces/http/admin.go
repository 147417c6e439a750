package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/candlevault/candlevault/internal/calendar"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/persistence/postgres"
	"github.com/candlevault/candlevault/internal/timeframe"
)

// AddSymbol handles POST /admin/symbols.
func (h *Handlers) AddSymbol(w http.ResponseWriter, r *http.Request) {
	var req AddSymbolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	var fieldErrs []FieldError
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		fieldErrs = append(fieldErrs, FieldError{Field: "symbol", Message: "symbol is required"})
	}
	if !calendar.ValidAssetClass(req.AssetClass) {
		fieldErrs = append(fieldErrs, FieldError{Field: "asset_class",
			Message: fmt.Sprintf("invalid asset class %q: must be stock, crypto, or etf", req.AssetClass)})
	}
	tfs := req.Timeframes
	if len(tfs) == 0 {
		tfs = timeframe.Strings(timeframe.Default)
	}
	for _, code := range tfs {
		if !timeframe.Valid(code) {
			fieldErrs = append(fieldErrs, FieldError{Field: "timeframes",
				Message: fmt.Sprintf("invalid timeframe %q: must be one of 5m, 15m, 30m, 1h, 4h, 1d, 1w", code)})
		}
	}
	if len(fieldErrs) > 0 {
		h.writeValidationErrors(w, r, fieldErrs)
		return
	}

	created, err := h.symbols.Add(r.Context(), symbol, req.AssetClass, tfs)
	if err != nil {
		if errors.Is(err, postgres.ErrDuplicateSymbol) {
			h.writeError(w, r, http.StatusConflict, "symbol_exists",
				fmt.Sprintf("symbol %s is already registered", symbol))
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to register symbol")
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// ListSymbols handles GET /admin/symbols, including deactivated ones.
func (h *Handlers) ListSymbols(w http.ResponseWriter, r *http.Request) {
	class := r.URL.Query().Get("asset_class")
	if class != "" && !calendar.ValidAssetClass(class) {
		h.writeValidationErrors(w, r, []FieldError{{Field: "asset_class",
			Message: fmt.Sprintf("invalid asset class %q: must be stock, crypto, or etf", class)}})
		return
	}

	symbols, err := h.symbols.List(r.Context(), false, class)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to list symbols")
		return
	}
	if symbols == nil {
		symbols = []persistence.Symbol{}
	}
	h.writeJSON(w, http.StatusOK, symbols)
}

// DeactivateSymbol handles DELETE /admin/symbols/{symbol}. Candles are
// retained; the symbol just leaves the active set.
func (h *Handlers) DeactivateSymbol(w http.ResponseWriter, r *http.Request) {
	h.setSymbolActive(w, r, false)
}

// ActivateSymbol handles POST /admin/symbols/{symbol}/activate.
func (h *Handlers) ActivateSymbol(w http.ResponseWriter, r *http.Request) {
	h.setSymbolActive(w, r, true)
}

func (h *Handlers) setSymbolActive(w http.ResponseWriter, r *http.Request, active bool) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	if err := h.symbols.SetActive(r.Context(), symbol, active); err != nil {
		if errors.Is(err, postgres.ErrSymbolNotFound) {
			h.writeError(w, r, http.StatusNotFound, "symbol_not_found",
				fmt.Sprintf("symbol %s is not registered", symbol))
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to update symbol")
		return
	}
	updated, err := h.symbols.Get(r.Context(), symbol)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to read symbol")
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// UpdateTimeframes handles PUT /admin/symbols/{symbol}/timeframes.
func (h *Handlers) UpdateTimeframes(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])

	var req UpdateTimeframesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	var fieldErrs []FieldError
	if len(req.Timeframes) == 0 {
		fieldErrs = append(fieldErrs, FieldError{Field: "timeframes", Message: "timeframes must be a non-empty list"})
	}
	for _, code := range req.Timeframes {
		if !timeframe.Valid(code) {
			fieldErrs = append(fieldErrs, FieldError{Field: "timeframes",
				Message: fmt.Sprintf("invalid timeframe %q: must be one of 5m, 15m, 30m, 1h, 4h, 1d, 1w", code)})
		}
	}
	if len(fieldErrs) > 0 {
		h.writeValidationErrors(w, r, fieldErrs)
		return
	}

	if err := h.symbols.UpdateTimeframes(r.Context(), symbol, req.Timeframes); err != nil {
		if errors.Is(err, postgres.ErrSymbolNotFound) {
			h.writeError(w, r, http.StatusNotFound, "symbol_not_found",
				fmt.Sprintf("symbol %s is not registered", symbol))
			return
		}
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to update timeframes")
		return
	}
	updated, err := h.symbols.Get(r.Context(), symbol)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to read symbol")
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// IssueKey handles POST /admin/keys. The plaintext secret is returned
// once and never stored.
func (h *Handlers) IssueKey(w http.ResponseWriter, r *http.Request) {
	var req IssueKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		h.writeValidationErrors(w, r, []FieldError{{Field: "name", Message: "name is required"}})
		return
	}

	key, plaintext, err := h.keys.Issue(r.Context(), name)
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to issue key")
		return
	}
	h.writeJSON(w, http.StatusCreated, IssueKeyResponse{
		ID:        key.ID,
		Name:      key.Name,
		Key:       plaintext,
		CreatedAt: key.CreatedAt,
	})
}

// ListKeys handles GET /admin/keys.
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.List(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusServiceUnavailable, "storage_unavailable", "failed to list keys")
		return
	}
	if keys == nil {
		keys = []postgres.APIKey{}
	}
	h.writeJSON(w, http.StatusOK, keys)
}

// RevokeKey handles DELETE /admin/keys/{id}.
func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.keys.Revoke(r.Context(), id); err != nil {
		h.writeError(w, r, http.StatusNotFound, "key_not_found",
			fmt.Sprintf("key %s not found or already revoked", id))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "revoked"})
}
