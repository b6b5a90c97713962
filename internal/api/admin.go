package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"parley/internal/auth"
	"parley/internal/obs"
)

type AdminHandler struct {
	authService *auth.Service
	logger      *slog.Logger
}

func NewAdminHandler(authService *auth.Service, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{authService: authService, logger: obs.OrDefault(logger)}
}

// AddUserHandler creates an account with a generated password and returns
// the password once.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Email == "" {
		http.Error(w, "Username and email are required", http.StatusBadRequest)
		return
	}

	account, password, err := h.authService.AddUser(req.Username, req.Email)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, auth.ErrUserExists) && !errors.Is(err, auth.ErrInvalidAccount) {
			status = http.StatusInternalServerError
			h.logger.Error("failed to add user", "username", req.Username, "error", err)
		}
		h.write(w, status, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	h.logger.Info("user added", "user_id", account.ID, "username", account.Username)
	h.write(w, http.StatusOK, AddUserResponse{
		Success:  true,
		UserID:   account.ID,
		Username: account.Username,
		Email:    account.Email,
		Password: password,
	})
}

func (h *AdminHandler) write(w http.ResponseWriter, status int, resp AddUserResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}
