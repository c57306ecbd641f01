// internal/lending/handler.go
package lending

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// Routes mounts the inbound triggers of the engine.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/reservations", h.handleReserve)
	r.Post("/reservations/{id}/cancel", h.handleCancel)
	r.Post("/reservations/{id}/loan", h.handleConvert)
	r.Post("/loans", h.handleCheckout)
	r.Post("/loans/{id}/return", h.handleReturn)
	r.Post("/listings/{id}/promote", h.handlePromote)
	r.Post("/maintenance/run", h.handleMaintenance)
	return r
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListingID uuid.UUID `json:"listing_id"`
		MemberID  uuid.UUID `json:"member_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.service.ReserveListing(r.Context(), req.ListingID, req.MemberID)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid reservation ID", http.StatusBadRequest)
		return
	}

	var req struct {
		MemberID uuid.UUID `json:"member_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.service.CancelReservation(r.Context(), id, req.MemberID); err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid reservation ID", http.StatusBadRequest)
		return
	}

	var req struct {
		MemberID   uuid.UUID `json:"member_id"`
		BorrowDays int       `json:"borrow_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := h.service.CreateLoanFromWait(r.Context(), id, req.MemberID, req.BorrowDays)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListingID uuid.UUID `json:"listing_id"`
		MemberID  uuid.UUID `json:"member_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rec, err := h.service.CheckoutListing(r.Context(), req.ListingID, req.MemberID)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid loan ID", http.StatusBadRequest)
		return
	}

	var req struct {
		ReturnDate *time.Time `json:"return_date,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	returnDate := time.Now().UTC()
	if req.ReturnDate != nil {
		returnDate = *req.ReturnDate
	}

	rec, err := h.service.ReturnLoan(r.Context(), id, returnDate)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}

	json.NewEncoder(w).Encode(rec)
}

func (h *Handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid listing ID", http.StatusBadRequest)
		return
	}

	outcome, err := h.service.PromoteNext(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}

	json.NewEncoder(w).Encode(outcome)
}

// handleMaintenance runs one full maintenance pass, same work the background
// worker does on its ticker.
func (h *Handler) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	expired, err := h.service.SweepExpired(r.Context(), now)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}
	overdue, err := h.service.MarkOverdue(r.Context(), now)
	if err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"expired": expired,
		"overdue": overdue,
	})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
