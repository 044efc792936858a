package rest

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/community-risk-engine/internal/domain/errors"
	"github.com/davidleathers/community-risk-engine/internal/service/pipeline"
)

// ResponseEnvelope wraps all API responses.
type ResponseEnvelope struct {
	Success bool           `json:"success"`
	Data    interface{}    `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
	Meta    ResponseMeta   `json:"meta"`
}

type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func responseMeta(ctx context.Context) ResponseMeta {
	meta := ResponseMeta{
		RequestID: chimiddleware.GetReqID(ctx),
		Timestamp: time.Now().UTC(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		meta.TraceID = sc.TraceID().String()
	}
	return meta
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ResponseEnvelope{
		Success: status < 400,
		Data:    data,
		Meta:    responseMeta(r.Context()),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryable bool) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ResponseEnvelope{
		Error: &ErrorResponse{Code: code, Message: message, Retryable: retryable},
		Meta:  responseMeta(r.Context()),
	})
}

// errorStatus maps an error to a status, code and client-safe message.
func errorStatus(err error) (int, string, string, bool) {
	if stderrors.Is(err, pipeline.ErrDraining) {
		return http.StatusServiceUnavailable, "DRAINING", "service is shutting down", true
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		status := appErr.StatusCode
		if status == 0 {
			status = errors.GetStatusCode(err)
		}
		msg := appErr.Message
		if appErr.Type == errors.ErrorTypeInternal {
			msg = "an internal error occurred"
		}
		return status, appErr.Code, msg, appErr.Retryable
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case stderrors.As(err, &syntaxErr):
		return http.StatusBadRequest, "INVALID_JSON", "invalid JSON syntax", false
	case stderrors.As(err, &typeErr):
		return http.StatusBadRequest, "TYPE_MISMATCH", "invalid type for field " + typeErr.Field, false
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "request timed out", true
	case stderrors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "REQUEST_CANCELED", "request was canceled", false
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "an internal error occurred", false
}

// outcomeStatus is the HTTP status for a processed event. An undecidable
// event was accepted but could not be judged.
func outcomeStatus(out *pipeline.Outcome) int {
	switch out.Status {
	case pipeline.StatusUndecidable:
		return http.StatusAccepted
	case pipeline.StatusAbandoned:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}
