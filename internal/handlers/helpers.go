package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ternarybob/cursus/internal/models"
)

// Envelope is the uniform response shape of the HTTP adapter.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a success envelope around the payload.
func WriteSuccess(w http.ResponseWriter, statusCode int, data any) error {
	return WriteJSON(w, statusCode, Envelope{Success: true, Data: data})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, Envelope{Success: false, Error: message})
}

// WriteDomainError maps a domain error to its HTTP status and writes the
// envelope.
func WriteDomainError(w http.ResponseWriter, err error) error {
	return WriteError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState),
		errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrUnknownPipelineType):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrDuplicatePipelineID):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetPaginationParams extracts list pagination from the query string.
// Page is 1-based; values outside range fall back to defaults.
func GetPaginationParams(r *http.Request) models.ListOptions {
	opts := models.ListOptions{Page: 1, Limit: models.DefaultListLimit}

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p >= 1 {
			opts.Page = p
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			opts.Limit = l
		}
	}
	return opts
}

// DecodeBody decodes a JSON request body into dst. An empty body is not an
// error; dst keeps its zero value.
func DecodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
