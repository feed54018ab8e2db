package handler

import (
	"errors"
	"net/http"

	"github.com/authgate/authgate-go/internal/middleware"
	"github.com/authgate/authgate-go/internal/model"
	"github.com/authgate/authgate-go/internal/service"
	"github.com/authgate/authgate-go/internal/validation"
)

// AuthHandler handles HTTP requests for authentication.
type AuthHandler struct {
	service *service.AuthService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{service: svc}
}

// HandleRegister handles POST /register requests.
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.rejectBody(w, err, h.service.RejectRegisterBody(r.Context(), requestMeta(r), err), "Registration failed. Please try again.")
		return
	}

	user, err := h.service.Register(r.Context(), requestMeta(r), req)
	if err != nil {
		writeServiceError(w, err, "Registration failed. Please try again.")
		return
	}

	writeJSON(w, http.StatusCreated, successResponse("User created successfully", user.Registered()))
}

// HandleLogin handles POST /login requests.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.rejectBody(w, err, h.service.RejectLoginBody(r.Context(), requestMeta(r), err), "Login failed. Please try again.")
		return
	}

	data, err := h.service.Login(r.Context(), requestMeta(r), req)
	if err != nil {
		writeServiceError(w, err, "Login failed. Please try again.")
		return
	}

	writeJSON(w, http.StatusOK, successResponse("Login successful", data))
}

// HandleProfile handles GET /profile requests.
func (h *AuthHandler) HandleProfile(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Profile(r.Context(), requestMeta(r), middleware.TokenFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, err, "Failed to retrieve profile")
		return
	}

	writeJSON(w, http.StatusOK, successResponse("", user))
}

// HandleUser handles GET /user requests. The user object is the whole body.
func (h *AuthHandler) HandleUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Profile(r.Context(), requestMeta(r), middleware.TokenFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, service.ErrUserNotFound) {
			err = service.ErrTokenInvalid
		}
		writeServiceError(w, err, "Failed to retrieve user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// HandleLogout handles POST /logout requests.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context(), requestMeta(r), middleware.TokenFromContext(r.Context())); err != nil {
		writeServiceError(w, err, "Failed to logout, please try again")
		return
	}

	writeJSON(w, http.StatusOK, successResponse("Successfully logged out", nil))
}

// HandleRefresh handles POST /refresh requests.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.Refresh(r.Context(), requestMeta(r), middleware.TokenFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, service.ErrTokenInvalid) || errors.Is(err, service.ErrTokenExpired) {
			writeJSON(w, http.StatusUnauthorized, errorResponse("Token cannot be refreshed"))
			return
		}
		writeServiceError(w, err, "Failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, successResponse("", data))
}

// rejectBody answers a body that failed to decode. The service has already
// recorded the attempt; its verdict wins unless it only echoes the decode
// failure.
func (h *AuthHandler) rejectBody(w http.ResponseWriter, decodeErr, svcErr error, fallback string) {
	if errors.Is(svcErr, service.ErrUnreadableBody) {
		writeDecodeError(w, decodeErr)
		return
	}
	writeServiceError(w, svcErr, fallback)
}

func requestMeta(r *http.Request) service.RequestMeta {
	return service.RequestMeta{
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// writeServiceError maps the service error taxonomy onto status codes.
// Unexpected errors get fallback and never their own text.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	var verrs validation.Errors
	var rlErr *service.RateLimitError

	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusUnprocessableEntity, model.Envelope{
			Status:  model.StatusError,
			Message: "Validation failed",
			Errors:  verrs.Fields(),
		})
	case errors.As(err, &rlErr):
		writeTooManyAttempts(w, rlErr)
	case errors.Is(err, service.ErrInvalidCredentials):
		writeJSON(w, http.StatusUnauthorized, errorResponse("Invalid credentials"))
	case errors.Is(err, service.ErrTokenMissing):
		writeJSON(w, http.StatusUnauthorized, errorResponse("Token not provided"))
	case errors.Is(err, service.ErrTokenInvalid):
		writeJSON(w, http.StatusUnauthorized, errorResponse("Token is invalid"))
	case errors.Is(err, service.ErrTokenExpired):
		writeJSON(w, http.StatusUnauthorized, errorResponse("Token has expired"))
	case errors.Is(err, service.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse("User not found"))
	case errors.Is(err, service.ErrServiceUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("Service temporarily unavailable. Please try again."))
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse(fallback))
	}
}
