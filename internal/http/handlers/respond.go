package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/circlely/server/internal/apperr"
	"github.com/circlely/server/internal/model"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	maxBodyBytes    = 1 << 20
	internalMessage = "internal server error"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON name
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// surface selects how NotFound and Conflict are reported
type surface int

const (
	authSurface surface = iota
	// friendSurface reports Conflict and NotFound as 400 like the rest of the friend API.
	friendSurface
)

func statusFor(err error, s surface) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		if s == friendSurface {
			return http.StatusBadRequest
		}
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		if s == friendSurface {
			return http.StatusBadRequest
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status and a client-safe message. 5xx are logged with the request id.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error, s surface) {
	status := statusFor(err, s)
	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
	}
	respondWithError(w, status, apperr.Message(err, internalMessage))
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, messageResponse{Message: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

type messageResponse struct {
	Message string `json:"message"`
}

// decode reads a JSON body into dst and runs its validate tags.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return validationError(err)
	}
	return nil
}

func validationError(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return apperr.Validation("invalid request body")
	}
	fe := ve[0]
	switch fe.Tag() {
	case "required":
		return apperr.Validation(fe.Field() + " is required")
	case "email":
		return apperr.Validation(fe.Field() + " must be a valid email")
	case "min":
		return apperr.Validation(fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param()))
	case "max":
		return apperr.Validation(fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
	case "len", "numeric":
		return apperr.Validation(fe.Field() + " must be a 6 digit code")
	case "oneof":
		return apperr.Validation(fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
	case "uuid":
		return apperr.Validation(fe.Field() + " must be a valid id")
	default:
		return apperr.Validation(fe.Field() + " is invalid")
	}
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation(name + " must be a non-negative integer")
	}
	return n, nil
}

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid user id")
	}
	return id, nil
}

// userResponse is the user object in API responses
type userResponse struct {
	ID       uuid.UUID `json:"id"`
	FullName string    `json:"fullName"`
	Email    string    `json:"email,omitempty"`
	Image    *string   `json:"image"`
}

func toUserResponse(s model.UserSummary) userResponse {
	return userResponse{ID: s.ID, FullName: s.FullName, Email: s.Email, Image: model.ImagePath(s.AvatarRef)}
}

type userWithRelationResponse struct {
	userResponse
	IsFriend        bool `json:"isFriend"`
	RequestSent     bool `json:"requestSent"`
	RequestReceived bool `json:"requestReceived"`
}

func toUserWithRelation(u model.UserWithRelation) userWithRelationResponse {
	return userWithRelationResponse{
		userResponse:    toUserResponse(u.UserSummary),
		IsFriend:        u.IsFriend,
		RequestSent:     u.RequestSent,
		RequestReceived: u.RequestReceived,
	}
}
