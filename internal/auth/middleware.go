package auth

import (
	"net/http"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
)

// Middleware guards an operator route: the bearer token must resolve to a
// subject holding every permission in perms. event names the route in audit logs.
func (s *Service) Middleware(event string, perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if s == nil || s.mode == ModeDisabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				s.deny(w, r, event, err)
				return
			}

			began := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.Info("operator_call",
				"event", event,
				"operator", subject.Name,
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(began).Milliseconds(),
			)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, event string, cause error) {
	status := http.StatusUnauthorized
	if xerrors.CodeOf(cause) == CodePermissionDenied {
		status = http.StatusForbidden
	} else {
		w.Header().Set("WWW-Authenticate", `Bearer realm="intelmarket"`)
	}
	http.Error(w, http.StatusText(status), status)
	s.audit.Warn("operator_denied",
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"code", xerrors.CodeOf(cause),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
