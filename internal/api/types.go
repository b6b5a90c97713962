package api

import (
	"parley/internal/docstore"
)

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	ExpiresAt int64  `json:"expiresAt"`
}

type AccountResponse struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	CreatedAt int64  `json:"createdAt"`
}

type CreateDocumentRequest struct {
	DocumentID  string                `json:"documentId"`
	Data        docstore.Fields       `json:"data"`
	Permissions []docstore.Permission `json:"permissions,omitempty"`
}

type UpdateDocumentRequest struct {
	Data docstore.Fields `json:"data"`
}

type DocumentList struct {
	Total     int                 `json:"total"`
	Documents []docstore.Document `json:"documents"`
}

type ErrorResponse struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type AddUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type AddUserResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// Error types carried in ErrorResponse.Type.
const (
	ErrorTypeNotFound     = "not_found"
	ErrorTypeUnauthorized = "unauthorized"
	ErrorTypeForbidden    = "forbidden"
	ErrorTypeConflict     = "conflict"
	ErrorTypeInvalid      = "invalid"
	ErrorTypeRateLimited  = "rate_limited"
	ErrorTypeUnavailable  = "unavailable"
	ErrorTypeInternal     = "internal"
)
