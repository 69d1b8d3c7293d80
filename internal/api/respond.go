package api

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/internal/observability/metrics"
	"IntelMarket-Chain/internal/pricing"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      xerrors.Code  `json:"code"`
	Class     xerrors.Class `json:"class"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError 按错误分类映射 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, statusFor(err), errorBody{Error: errorDetail{
		Code:      code,
		Class:     xerrors.ClassOf(err),
		Message:   message,
		Retryable: xerrors.RetryableError(err),
	}})
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, pricing.CodeTierNotFound, mandate.CodeChainNotFound:
		return http.StatusNotFound
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	}
	switch xerrors.ClassOf(err) {
	case xerrors.ClassValidation:
		return http.StatusBadRequest
	case xerrors.ClassPolicy:
		return http.StatusConflict
	case xerrors.ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录请求指标。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}
