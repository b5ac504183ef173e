package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/zombor/payme/internal/bill"
	"github.com/zombor/payme/internal/poller"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleListBills returns all active bills; ?history=true appends terminal ones
func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	includeHistory := r.URL.Query().Get("history") == "true"
	bills, err := s.service.ListBills(includeHistory)
	if err != nil {
		slog.Error("Error listing bills", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, bills)
}

// handleGetBill returns a single bill, active or historical
func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Bill ID required")
		return
	}
	b, err := s.service.GetBill(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Bill not found")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleApprove triggers payment execution for a pending bill
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	result, err := s.service.Approve(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, poller.ErrDuplicateWarning), errors.Is(err, poller.ErrInvalidIBAN):
			writeError(w, http.StatusConflict, err.Error())
		default:
			slog.Error("Error approving bill", "bill_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleReject declines a pending bill
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.service.Reject(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleOverrideDuplicate clears the duplicate warning on a bill
func (s *Server) handleOverrideDuplicate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.service.OverrideDuplicate(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleSetStatus forces a bill into the given status
func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Status bill.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown status: "+string(req.Status))
		return
	}

	b, err := s.service.SetStatus(id, req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleStatus returns the operator overview
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	overview, err := s.service.Status(r.Context())
	if err != nil {
		slog.Error("Error building status overview", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, overview)
}

// handlePoll runs one poll cycle on demand
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Poll(r.Context())
	if err != nil {
		if errors.Is(err, poller.ErrLockHeld) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Poll failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleReconcile runs one reconciliation sweep on demand
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Reconcile(r.Context())
	if err != nil {
		if errors.Is(err, poller.ErrLockHeld) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Reconcile failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}
