package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/authgate/authgate-go/internal/model"
	"github.com/authgate/authgate-go/internal/service"
)

const maxBodyBytes = 1 << 20 // 1MB

var errBodyTooLarge = errors.New("request body too large")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorResponse(msg string) model.Envelope {
	return model.Envelope{Status: model.StatusError, Message: msg}
}

func successResponse(msg string, data any) model.Envelope {
	return model.Envelope{Status: model.StatusSuccess, Message: msg, Data: data}
}

// decodeJSON reads a JSON body of at most 1MB into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		return err
	}
	return nil
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("Request body too large"))
		return
	}
	writeJSON(w, http.StatusBadRequest, errorResponse("Invalid request body"))
}

// writeTooManyAttempts writes the 429 body with retry_after in seconds and
// the matching Retry-After header.
func writeTooManyAttempts(w http.ResponseWriter, rlErr *service.RateLimitError) {
	secs := rlErr.RetryAfterSeconds()

	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, http.StatusTooManyRequests, model.Envelope{
		Status:     model.StatusError,
		Message:    fmt.Sprintf("Too many attempts. Please try again in %d minutes.", rlErr.RetryAfterMinutes()),
		RetryAfter: &secs,
	})
}
