// Package httpapi exposes the checkout engine over HTTP. The surface is
// deliberately small: catalog reads, session lifecycle, checkout, receipts
// and stock receiving.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/service"
)

type API struct {
	service       *service.Service
	allowedOrigin string
}

func New(svc *service.Service, allowedOrigin string) *API {
	return &API{
		service:       svc,
		allowedOrigin: allowedOrigin,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	mux.HandleFunc("/api/v1/catalog", a.handleCatalog)
	mux.HandleFunc("/api/v1/catalog/", a.handleCatalogEntry)

	mux.HandleFunc("/api/v1/sessions/open", a.handleSessionOpen)
	mux.HandleFunc("/api/v1/sessions/close", a.handleSessionClose)
	mux.HandleFunc("/api/v1/sessions/active", a.handleSessionActive)
	mux.HandleFunc("/api/v1/sessions/", a.handleSessionActions)

	mux.HandleFunc("/api/v1/checkout", a.handleCheckout)
	mux.HandleFunc("/api/v1/receipts/", a.handleReceipt)
	mux.HandleFunc("/api/v1/stock/receive", a.handleStockReceive)

	return a.withMiddleware(mux)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		// Cap every POST body regardless of the declared content type, so a
		// missing or mislabeled header cannot bypass the limit.
		if r.Method == http.MethodPost {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	entries, err := a.service.ListCatalog(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (a *API) handleCatalogEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/catalog/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, errors.New("invalid catalog path"))
		return
	}

	entry, err := a.service.GetCatalogEntry(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SessionOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.OpenSession(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SessionCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.CloseSession(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSessionActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	cashierID := strings.TrimSpace(r.URL.Query().Get("cashier_id"))
	if cashierID == "" {
		writeError(w, http.StatusBadRequest, errors.New("cashier_id query parameter required"))
		return
	}

	resp, err := a.service.ActiveSession(r.Context(), cashierID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionActions serves /api/v1/sessions/{id}/stats.
func (a *API) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	sessionID, action, found := strings.Cut(rest, "/")
	if !found || sessionID == "" || action != "stats" {
		writeError(w, http.StatusBadRequest, errors.New("invalid session path"))
		return
	}

	stats, err := a.service.SessionStats(r.Context(), sessionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.CashierID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("cashier_id required"))
		return
	}
	if len(req.Lines) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("lines required"))
		return
	}

	c, err := a.buildCart(r, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp, err := a.service.Checkout(r.Context(), req.CashierID, c, req.IdempotencyKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// buildCart replays the wire request through the cart engine so add-time
// rules (expiry, stock, discount policy) apply to API checkouts exactly as
// they do at a terminal.
func (a *API) buildCart(r *http.Request, req domain.CheckoutRequest) (*cart.Cart, error) {
	c := cart.New()
	for _, lineReq := range req.Lines {
		entry, err := a.service.GetCatalogEntry(r.Context(), lineReq.EntryID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, fmt.Errorf("%s: %w", lineReq.EntryID, domain.ErrNotFound)
			}
			return nil, err
		}
		line, err := c.AddEntry(*entry, lineReq.Qty)
		if err != nil {
			return nil, err
		}
		if lineReq.DiscountPct != nil {
			if err := c.UpdateDiscount(line.ID, *lineReq.DiscountPct); err != nil {
				return nil, err
			}
		}
	}

	c.SetCustomer(req.CustomerID)
	c.SetPaymentMethod(req.PaymentMethod)
	if req.Tendered != nil {
		c.SetTendered(*req.Tendered)
	}
	return c, nil
}

func (a *API) handleReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	number := strings.TrimPrefix(r.URL.Path, "/api/v1/receipts/")
	if number == "" || strings.Contains(number, "/") {
		writeError(w, http.StatusBadRequest, errors.New("invalid receipt path"))
		return
	}

	receipt, err := a.service.Receipt(r.Context(), number)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (a *API) handleStockReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.StockReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, err := a.service.ReceiveStock(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// writeDomainError maps the checkout error taxonomy onto HTTP statuses:
// lookups that miss are 404, state conflicts are 409, rejected business
// input is 422, everything else is a 500 with a generic body.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrSessionAlreadyOpen),
		errors.Is(err, domain.ErrSessionNotOpen),
		errors.Is(err, domain.ErrNoActiveSession):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrEmptyCart),
		errors.Is(err, domain.ErrPaymentMethodRequired),
		errors.Is(err, domain.ErrInsufficientPayment),
		errors.Is(err, domain.ErrDiscountNotAllowed),
		errors.Is(err, domain.ErrDiscountExceedsMax):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic so internal details never reach clients.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
