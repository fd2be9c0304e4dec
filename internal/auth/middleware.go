package auth

import (
	"net/http"
	"strings"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/config"
)

// Middleware — middleware для проверки авторизации
type Middleware struct {
	mode    string
	service *Service
	logger  log.Interface
}

func NewMiddleware(cfg *config.Config, service *Service, logger log.Interface) *Middleware {
	if logger == nil {
		logger = log.Log
	}
	return &Middleware{mode: cfg.AuthMode, service: service, logger: logger}
}

// Enabled reports whether admin endpoints are protected.
func (m *Middleware) Enabled() bool {
	return m.mode == config.AuthModeJWT
}

// RequireAdmin пропускает запрос только с валидным admin-токеном.
// With AUTH_MODE=none it is a pass-through.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		p, err := m.authenticateHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing token")
			return
		}
		if p.Role != RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden", "Admin role required")
			return
		}

		m.logger.WithFields(log.Fields{"sub": p.Subject, "method": r.Method, "path": r.URL.Path}).Debug("auth: admin token accepted")
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (m *Middleware) authenticateHeader(authHeader string) (Principal, error) {
	if authHeader == "" {
		return Principal{}, ErrInvalidToken
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return Principal{}, ErrInvalidToken
	}

	return m.service.VerifyJWT(strings.TrimSpace(parts[1]))
}
