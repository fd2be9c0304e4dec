package auth

import "github.com/golang-jwt/jwt/v5"

// RoleAdmin grants access to the export and synthetic endpoints.
const RoleAdmin = "admin"

// TokenRequest — запрос на выдачу admin-токена
type TokenRequest struct {
	APIKey  string `json:"api_key"`
	Subject string `json:"subject,omitempty"`
}

// TokenResponse — выданный access token
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Claims — claims нашего JWT
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ErrorResponse — формат ошибки
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
