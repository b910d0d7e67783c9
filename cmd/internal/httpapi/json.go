// Package httpapi holds the JSON response helpers shared by the HTTP handlers.
package httpapi

import (
	"encoding/json"
	"net/http"
)

// FieldError names one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// APIError is the body of every error response.
type APIError struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`
}

// ErrorResponse wraps APIError as {"error":{...}}.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// Error codes.
const (
	CodeBadRequest       = "bad_request"
	CodeInvalidSignature = "invalid_signature"
	CodeValidationFailed = "validation_failed"
	CodePayloadTooLarge  = "payload_too_large"
	CodeStoreUnavailable = "store_unavailable"
	CodeNotFound         = "not_found"
	CodeInternal         = "internal_error"
)

// StatusOK is the success body of the ingestion endpoint.
var StatusOK = map[string]string{"status": "ok"}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: msg}})
}

// WriteValidationError writes a 422 with per-field problems.
func WriteValidationError(w http.ResponseWriter, msg string, fields []FieldError) {
	WriteJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: APIError{
		Code:    CodeValidationFailed,
		Message: msg,
		Fields:  fields,
	}})
}
