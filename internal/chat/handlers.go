package chat

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zombor/receipt-approvals/internal/apperr"
	"github.com/zombor/receipt-approvals/internal/identity"
	"github.com/zombor/receipt-approvals/internal/receipt"
)

// Router mounts handlers that need an authenticated caller
type Router interface {
	HandleUser(pattern string, h func(w http.ResponseWriter, r *http.Request, user *identity.User))
}

// RegisterRoutes mounts the chat endpoints on router
func (s *Service) RegisterRoutes(router Router) {
	router.HandleUser("POST /api/chat", s.handleAsk)
	router.HandleUser("GET /api/chat", s.handleHistory)
	router.HandleUser("DELETE /api/chat", s.handleClear)
}

type askRequest struct {
	Message string `json:"message"`
}

func (s *Service) handleAsk(w http.ResponseWriter, r *http.Request, user *identity.User) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		receipt.WriteError(w, fmt.Errorf("invalid request body: %w", apperr.ErrInvalidArgument))
		return
	}

	turn, err := s.Ask(r.Context(), user, req.Message)
	if err != nil {
		receipt.WriteError(w, err)
		return
	}
	receipt.WriteJSON(w, http.StatusOK, turn)
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request, user *identity.User) {
	turns, err := s.History(r.Context(), user)
	if err != nil {
		receipt.WriteError(w, err)
		return
	}
	receipt.WriteJSON(w, http.StatusOK, turns)
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request, user *identity.User) {
	if err := s.Clear(r.Context(), user); err != nil {
		receipt.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
