package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"parley/internal/auth"
	"parley/internal/docstore"
	"parley/internal/obs"
)

type API struct {
	auth    *auth.Service
	docs    docstore.Gateway
	limiter *WriteLimiter
	logger  *slog.Logger
}

// New wires the REST handlers. A nil limiter disables write throttling.
func New(authService *auth.Service, docs docstore.Gateway, limiter *WriteLimiter, logger *slog.Logger) *API {
	return &API{auth: authService, docs: docs, limiter: limiter, logger: obs.OrDefault(logger)}
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, ErrorTypeInvalid, "Invalid request body")
		return
	}

	account, err := a.auth.Register(req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrUserExists):
		a.writeError(w, http.StatusConflict, ErrorTypeConflict, "User already exists")
		return
	case errors.Is(err, auth.ErrInvalidAccount):
		a.writeError(w, http.StatusBadRequest, ErrorTypeInvalid, err.Error())
		return
	case err != nil:
		a.logger.Error("failed to register account", "error", err)
		a.writeError(w, http.StatusInternalServerError, ErrorTypeInternal, "Registration failed")
		return
	}

	a.writeJSON(w, http.StatusCreated, accountResponse(account))
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, ErrorTypeInvalid, "Invalid request body")
		return
	}

	session, err := a.auth.Login(req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrTooManyAttempts):
		a.writeError(w, http.StatusTooManyRequests, ErrorTypeRateLimited, "Too many failed attempts, try again later")
		return
	case err != nil:
		a.writeError(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Invalid credentials")
		return
	}

	a.writeJSON(w, http.StatusCreated, SessionResponse{
		Token:     session.Token,
		UserID:    session.Account.ID,
		Username:  session.Account.Username,
		Email:     session.Account.Email,
		ExpiresAt: session.ExpiresAt,
	})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	if token := getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) AccountHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := docstore.CallerFrom(r.Context())
	account, err := a.auth.Account(userID)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Unauthorized")
		return
	}
	a.writeJSON(w, http.StatusOK, accountResponse(account))
}

// RequireAuth resolves the bearer token and runs next on behalf of its user.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.UserID(getToken(r))
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, ErrorTypeUnauthorized, "Unauthorized")
			return
		}
		next(w, r.WithContext(docstore.WithCaller(r.Context(), userID)))
	}
}

// getToken reads the bearer token from the Authorization header, falling
// back to the token query parameter that browsers use for websockets.
func getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate returns the user id for the request's bearer token.
func (a *API) Authenticate(r *http.Request) (string, error) {
	return a.auth.UserID(getToken(r))
}

func accountResponse(account auth.Account) AccountResponse {
	return AccountResponse{
		UserID:    account.ID,
		Username:  account.Username,
		Email:     account.Email,
		CreatedAt: account.CreatedAt,
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, errType, message string) {
	a.writeJSON(w, status, ErrorResponse{Message: message, Type: errType})
}

// writeStoreError maps the store's error taxonomy onto HTTP statuses.
func (a *API) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		a.writeError(w, http.StatusNotFound, ErrorTypeNotFound, err.Error())
	case errors.Is(err, docstore.ErrPermissionDenied):
		a.writeError(w, http.StatusForbidden, ErrorTypeForbidden, err.Error())
	case errors.Is(err, docstore.ErrConflict):
		a.writeError(w, http.StatusConflict, ErrorTypeConflict, err.Error())
	case errors.Is(err, docstore.ErrMalformed):
		a.writeError(w, http.StatusBadRequest, ErrorTypeInvalid, err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away.
	case docstore.IsTransient(err):
		a.writeError(w, http.StatusServiceUnavailable, ErrorTypeUnavailable, err.Error())
	default:
		a.logger.Error("store request failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, ErrorTypeInternal, "Internal error")
	}
}
